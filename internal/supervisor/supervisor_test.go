package supervisor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyService struct {
	runs atomic.Int32
	fail int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.runs.Add(1) <= s.fail {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return "flaky" }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTreeRestartsFailedService(t *testing.T) {
	out := &syncBuffer{}
	logger := zerolog.New(out)

	tree := New("test", Config{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second}, logger)
	svc := &flakyService{fail: 2}
	tree.AddBackgroundService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.runs.Load() < 3 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("Expected 3 runs, got %d", svc.runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor did not stop")
	}

	if !strings.Contains(out.String(), "flaky") {
		t.Errorf("Expected the terminated service to be logged, got %q", out.String())
	}
}
