// Package supervisor is the admission controller and failure classifier
// in front of the worker pool: it decides whether to admit, queue, or
// apply backpressure, and it turns a worker failure into a FailurePlan.
// Grounded on the teacher's cancellation.go mutex-guarded counters and
// circuit_breaker.go's per-key breaker map pattern (resilience.CircuitBreaker
// keyed per capability and handed out by BreakerFor; nothing here records
// worker outcomes into those breakers).
package supervisor

import (
	"strconv"
	"sync"
	"time"

	"github.com/darianrosebrook/agent-agency-sub005/internal/resilience"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// DecisionType is the closed outcome set of EvaluateCapacity.
type DecisionType string

const (
	DecisionAdmit        DecisionType = "admit"
	DecisionQueue        DecisionType = "queue"
	DecisionBackpressure DecisionType = "backpressure"
)

// Decision is EvaluateCapacity's result. Exactly the fields relevant to
// Type are populated.
type Decision struct {
	Type     DecisionType
	WorkerID string            // set iff Type == DecisionAdmit
	Reason   string            // set iff Type == DecisionBackpressure
	Metrics  map[string]float64 // set iff Type == DecisionBackpressure
}

// CapacityRequest is EvaluateCapacity's input.
type CapacityRequest struct {
	QueueDepth           int
	Priority             task.Priority
	RequiredCapabilities map[string]bool
}

// ErrorType is the closed failure classification enumeration.
type ErrorType string

const (
	ErrorWorkerCrash ErrorType = "worker_crash"
	ErrorTimeout     ErrorType = "timeout"
	ErrorInvalidTask ErrorType = "invalid_task"
)

// FailurePlan is RecordWorkerFailure's verdict.
type FailurePlan struct {
	ReplaceWorker bool
	Retry         bool
	BackoffDelay  time.Duration
}

// Config tunes admission and backpressure thresholds.
type Config struct {
	MaxWorkers          int
	SaturationRatio     float64
	QueueDepthThreshold int
	Cooldown            time.Duration
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxFailureAttempts  int
}

// DefaultConfig mirrors spec.md §8 scenario 6's example tuning.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          4,
		SaturationRatio:     0.8,
		QueueDepthThreshold: 2,
		Cooldown:            2 * time.Second,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		MaxFailureAttempts:  5,
	}
}

type workerSlot struct {
	id   string
	busy bool
}

// Supervisor is the admission controller.
type Supervisor struct {
	mu                sync.Mutex
	cfg               Config
	workers           []*workerSlot
	backpressureSince time.Time
	inBackpressure    bool
	failureAttempts   map[string]int // keyed by taskId
	breakers          map[string]*resilience.CircuitBreaker // keyed by capability
}

// New constructs a Supervisor with cfg.MaxWorkers idle worker slots
// pre-allocated, ids "w-0".."w-(MaxWorkers-1)".
func New(cfg Config) *Supervisor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.SaturationRatio <= 0 {
		cfg.SaturationRatio = DefaultConfig().SaturationRatio
	}
	if cfg.QueueDepthThreshold <= 0 {
		cfg.QueueDepthThreshold = DefaultConfig().QueueDepthThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxFailureAttempts <= 0 {
		cfg.MaxFailureAttempts = DefaultConfig().MaxFailureAttempts
	}

	s := &Supervisor{
		cfg:             cfg,
		failureAttempts: make(map[string]int),
		breakers:        make(map[string]*resilience.CircuitBreaker),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		s.workers = append(s.workers, &workerSlot{id: workerID(i)})
	}
	return s
}

func workerID(i int) string {
	return "w-" + strconv.Itoa(i)
}

func (s *Supervisor) busyCount() int {
	n := 0
	for _, w := range s.workers {
		if w.busy {
			n++
		}
	}
	return n
}

// EvaluateCapacity decides admit/queue/backpressure for req.
func (s *Supervisor) EvaluateCapacity(req CapacityRequest) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := s.busyCount()
	saturation := float64(busy) / float64(len(s.workers))
	urgent := req.Priority == task.PriorityCritical

	overSaturated := saturation >= s.cfg.SaturationRatio && !urgent
	overQueued := req.QueueDepth >= s.cfg.QueueDepthThreshold

	if s.inBackpressure {
		elapsed := time.Since(s.backpressureSince) >= s.cfg.Cooldown
		if elapsed && !overSaturated && !overQueued {
			s.inBackpressure = false
		} else {
			return Decision{
				Type:   DecisionBackpressure,
				Reason: "cooldown not yet elapsed or thresholds still exceeded",
				Metrics: map[string]float64{
					"saturation": saturation,
					"queueDepth": float64(req.QueueDepth),
				},
			}
		}
	} else if overSaturated || overQueued {
		s.inBackpressure = true
		s.backpressureSince = time.Now()
		return Decision{
			Type:   DecisionBackpressure,
			Reason: "saturation or queue depth threshold exceeded",
			Metrics: map[string]float64{
				"saturation": saturation,
				"queueDepth": float64(req.QueueDepth),
			},
		}
	}

	// Urgent bypasses the saturation check but never the absolute worker cap.
	if busy >= len(s.workers) {
		return Decision{Type: DecisionQueue}
	}

	for _, w := range s.workers {
		if !w.busy {
			w.busy = true
			return Decision{Type: DecisionAdmit, WorkerID: w.id}
		}
	}
	return Decision{Type: DecisionQueue}
}

// ReleaseWorker marks workerID idle again, freeing it for the next admission.
func (s *Supervisor) ReleaseWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.id == workerID {
			w.busy = false
			return
		}
	}
}

// BreakerFor returns (creating if absent) the circuit breaker for capability.
func (s *Supervisor) BreakerFor(capability string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[capability]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 10*time.Second, 3)
		s.breakers[capability] = b
	}
	return b
}

// RecordWorkerFailure classifies a worker failure and returns the plan the
// orchestrator should follow.
func (s *Supervisor) RecordWorkerFailure(taskID string, errType ErrorType) FailurePlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch errType {
	case ErrorInvalidTask:
		return FailurePlan{ReplaceWorker: false, Retry: false}
	case ErrorTimeout:
		attempt := s.failureAttempts[taskID]
		s.failureAttempts[taskID] = attempt + 1
		if attempt+1 > s.cfg.MaxFailureAttempts {
			return FailurePlan{ReplaceWorker: false, Retry: false}
		}
		return FailurePlan{ReplaceWorker: false, Retry: true, BackoffDelay: s.capDelay(attempt)}
	case ErrorWorkerCrash:
		attempt := s.failureAttempts[taskID]
		s.failureAttempts[taskID] = attempt + 1
		if attempt+1 > s.cfg.MaxFailureAttempts {
			return FailurePlan{ReplaceWorker: true, Retry: false}
		}
		return FailurePlan{ReplaceWorker: true, Retry: true, BackoffDelay: s.capDelay(attempt)}
	default:
		return FailurePlan{ReplaceWorker: false, Retry: false}
	}
}

func (s *Supervisor) capDelay(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return delay
}

// ClearFailures drops taskId's recorded failure-attempt count, e.g. once
// it terminally succeeds, is abandoned, or is requeued via pleading.
func (s *Supervisor) ClearFailures(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failureAttempts, taskID)
}
