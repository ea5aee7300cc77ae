package oliver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/lmittmann/tint"
)

// testWriter routes log output through the test log, so it's captured per
// test and only shown on failure.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			testWriter{t: t}, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	)
}

// testContext returns a context bound to the test deadline, when one is
// set.
func testContext(t testing.TB) context.Context {
	t.Helper()
	ctx := context.Background()

	if td, ok := t.(interface{ Deadline() (time.Time, bool) }); ok {
		if deadline, hasDeadline := td.Deadline(); hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			t.Cleanup(cancel)
		}
	}
	return ctx
}
