package obslog

import (
	"log/slog"
	"testing"
)

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]slog.Leveler{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for env, want := range cases {
		t.Setenv("ORCH_LOG_LEVEL", env)
		if got := levelFromEnv(); got != want {
			t.Fatalf("levelFromEnv() with ORCH_LOG_LEVEL=%q = %v, want %v", env, got, want)
		}
	}
}

func TestInitReturnsLoggerTaggedWithService(t *testing.T) {
	t.Setenv("ORCH_JSON_LOG", "true")
	logger := Init("orchestratord-test")
	if logger == nil {
		t.Fatalf("expected Init to return a non-nil logger")
	}
}
