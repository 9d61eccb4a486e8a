// Pool owns a set of goroutine-isolated workers, each executing one task
// at a time and communicating with the orchestrator only through
// channels of serialized messages — the closest a single Go process gets
// to spec.md §4.9's "separate OS-level execution contexts sharing no
// mutable memory" without spawning actual subprocesses per task. Grounded
// on the teacher's errgroup-free goroutine-per-worker shape in
// dag_engine.go's parallel node execution, rebuilt here around
// golang.org/x/sync/errgroup for first-error-wins fan-out/fan-in over the
// worker set during shutdown.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/darianrosebrook/agent-agency-sub005/internal/sandbox"
	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// MessageKind is the closed set of worker -> orchestrator message types.
type MessageKind string

const (
	MsgWorkerReady   MessageKind = "worker_ready"
	MsgTaskCompleted MessageKind = "task_completed"
	MsgTaskFailed    MessageKind = "task_failed"
	MsgWorkerMetrics MessageKind = "worker_metrics"
)

// WorkerMessage is what a worker reports back to the orchestrator.
type WorkerMessage struct {
	Kind     MessageKind
	WorkerID string
	TaskID   string
	Result   Result
	Err      error
	Metrics  ExecutionMetrics
}

// ExecutionMetrics accompanies task_completed/task_failed reports.
type ExecutionMetrics struct {
	ExecutionTimeMs int64
	OutputSize      int
}

// ExecuteRequest is the orchestrator -> worker execute_task message.
type ExecuteRequest struct {
	Task       task.Task
	SandboxDir string // per-task root; worker creates the sandbox under it
	Quota      sandbox.Quota
}

type cmdKind int

const (
	cmdExecute cmdKind = iota
	cmdShutdown
)

type cmd struct {
	kind cmdKind
	req  ExecuteRequest
}

type worker struct {
	id     string
	inbox  chan cmd
	cancel context.CancelFunc
}

// Pool is the fixed-to-elastic set of isolated workers.
type Pool struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	out        chan WorkerMessage
	workers    map[string]*worker
	minSize    int
	maxSize    int
	nextID     int
	wg         sync.WaitGroup

	tracer    trace.Tracer
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	crashed   metric.Int64Counter
}

// Config tunes pool size bounds.
type Config struct {
	MinPoolSize int
	MaxPoolSize int
}

// DefaultConfig mirrors spec.md §8 scenario 6's example tuning.
func DefaultConfig() Config {
	return Config{MinPoolSize: 1, MaxPoolSize: 4}
}

// NewPool starts cfg.MinPoolSize workers dispatching through dispatcher.
// Messages are delivered on the returned channel; the caller owns draining it.
func NewPool(dispatcher *Dispatcher, cfg Config) (*Pool, <-chan WorkerMessage) {
	if cfg.MinPoolSize <= 0 {
		cfg.MinPoolSize = DefaultConfig().MinPoolSize
	}
	if cfg.MaxPoolSize < cfg.MinPoolSize {
		cfg.MaxPoolSize = cfg.MinPoolSize
	}

	meter := otel.Meter("agent-orchestrator")
	started, _ := meter.Int64Counter("orchestrator_workerpool_started_total")
	completed, _ := meter.Int64Counter("orchestrator_workerpool_completed_total")
	failed, _ := meter.Int64Counter("orchestrator_workerpool_failed_total")
	crashed, _ := meter.Int64Counter("orchestrator_workerpool_crashed_total")

	p := &Pool{
		dispatcher: dispatcher,
		out:        make(chan WorkerMessage, 64),
		workers:    make(map[string]*worker),
		minSize:    cfg.MinPoolSize,
		maxSize:    cfg.MaxPoolSize,
		tracer:     otel.Tracer("agent-orchestrator-workerpool"),
		started:    started,
		completed:  completed,
		failed:     failed,
		crashed:    crashed,
	}

	p.mu.Lock()
	for i := 0; i < cfg.MinPoolSize; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	return p, p.out
}

func (p *Pool) spawnWorkerLocked() *worker {
	id := fmt.Sprintf("w-%d", p.nextID)
	p.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{id: id, inbox: make(chan cmd, 1), cancel: cancel}
	p.workers[id] = w

	p.wg.Add(1)
	go p.runWorker(ctx, w)

	p.out <- WorkerMessage{Kind: MsgWorkerReady, WorkerID: id}
	return w
}

// runWorker is the isolated per-worker loop. It never touches Pool state
// directly beyond reading its own inbox and writing to the shared
// (channel-synchronized) out channel — the one piece of "shared memory"
// is a concurrency-safe Go channel, matching the message-transport-only
// contract spec.md §4.9 and §5 require between control plane and workers.
func (p *Pool) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked", "worker_id", w.id, "recover", r)
			p.crashed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("worker_id", w.id)))
			p.mu.Lock()
			delete(p.workers, w.id)
			if len(p.workers) < p.minSize {
				p.spawnWorkerLocked()
			}
			p.mu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-w.inbox:
			switch c.kind {
			case cmdShutdown:
				return
			case cmdExecute:
				p.execute(ctx, w, c.req)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, w *worker, req ExecuteRequest) {
	ctx, span := p.tracer.Start(ctx, "workerpool.execute", trace.WithAttributes(
		attribute.String("worker_id", w.id), attribute.String("task_id", req.Task.ID),
	))
	defer span.End()

	start := time.Now()
	p.started.Add(ctx, 1)

	sb := sandbox.New(req.SandboxDir, req.Quota)
	result, err := p.dispatcher.Execute(ctx, req.Task, sb)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		p.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", string(req.Task.Type))))
		p.out <- WorkerMessage{
			Kind: MsgTaskFailed, WorkerID: w.id, TaskID: req.Task.ID,
			Err:     err,
			Metrics: ExecutionMetrics{ExecutionTimeMs: elapsed},
		}
		return
	}

	p.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", string(req.Task.Type))))
	p.out <- WorkerMessage{
		Kind: MsgTaskCompleted, WorkerID: w.id, TaskID: req.Task.ID,
		Result:  result,
		Metrics: ExecutionMetrics{ExecutionTimeMs: elapsed},
	}
}

// Submit assigns req to workerID's inbox. The caller (the supervisor, via
// EvaluateCapacity's admit decision) is responsible for knowing workerID
// is currently idle.
func (p *Pool) Submit(workerID string, req ExecuteRequest) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("workerpool: unknown worker %s", workerID)
	}
	w.inbox <- cmd{kind: cmdExecute, req: req}
	return nil
}

// Shutdown signals every worker to finish its current task then exit,
// waiting up to a 5s grace period before returning regardless.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	workers := make(map[string]*worker, len(p.workers))
	for id, w := range p.workers {
		ids = append(ids, id)
		workers[id] = w
	}
	p.mu.Unlock()

	// Broadcast the shutdown signal to every worker concurrently via Fanout
	// rather than serially under p.mu; each signal send is non-blocking so
	// this never errors, but it keeps the broadcast off the lock.
	_ = p.Fanout(ctx, ids, func(_ context.Context, id string) error {
		w := workers[id]
		select {
		case w.inbox <- cmd{kind: cmdShutdown}:
		default:
			w.cancel()
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-grace.Done():
		p.mu.Lock()
		for _, id := range ids {
			if w, ok := p.workers[id]; ok {
				w.cancel()
			}
		}
		p.mu.Unlock()
		return fmt.Errorf("workerpool: shutdown grace period elapsed, force-terminated")
	}
}

// Fanout runs fn concurrently for each of the given worker ids using
// errgroup, returning the first error encountered (if any) after all
// goroutines complete. Shutdown uses this to broadcast its signal to
// every worker at once instead of looping under the pool's mutex.
func (p *Pool) Fanout(ctx context.Context, ids []string, fn func(ctx context.Context, workerID string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return fn(ctx, id) })
	}
	return g.Wait()
}

// WorkerIDs returns the current set of live worker ids.
func (p *Pool) WorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	return ids
}
