package workerpool

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cmatc13/rollupcore/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

func TestPool_ExecuteReturnsValue(t *testing.T) {
	p := New(Config{Workers: 2}, testLogger(), nil)
	defer p.Shutdown(context.Background())

	v, err := p.Execute(context.Background(), &Task{
		Fn: func(ctx context.Context) (interface{}, error) { return 42, nil },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("Execute value = %v, want 42", v)
	}
}

func TestPool_ExecutePropagatesError(t *testing.T) {
	p := New(Config{Workers: 1}, testLogger(), nil)
	defer p.Shutdown(context.Background())

	wantErr := errors.New("task failed")
	_, err := p.Execute(context.Background(), &Task{
		Fn: func(ctx context.Context) (interface{}, error) { return nil, wantErr },
	})
	if err != wantErr {
		t.Fatalf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestPool_ExecuteRespectsContextCancellation(t *testing.T) {
	p := New(Config{Workers: 1}, testLogger(), nil)
	defer p.Shutdown(context.Background())

	// Occupy the only worker so the next task can't start before we cancel.
	block := make(chan struct{})
	go p.Execute(context.Background(), &Task{
		Fn: func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		},
	})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Execute(ctx, &Task{
		Fn: func(ctx context.Context) (interface{}, error) { return nil, nil },
	})
	close(block)
	if err != context.Canceled {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}
}

func TestPool_PriorityOrdering(t *testing.T) {
	q := newPriorityQueue(3)
	low := &Task{Priority: 0}
	high := &Task{Priority: 2}
	q.push(low)
	q.push(high)

	first := q.pop()
	if first != high {
		t.Error("pop should return the higher-priority task first")
	}
	second := q.pop()
	if second != low {
		t.Error("pop should return the remaining lower-priority task next")
	}
}

func TestPool_ExecuteAfterShutdownReturnsPoolClosed(t *testing.T) {
	p := New(Config{Workers: 2, GracefulTimeout: time.Second}, testLogger(), nil)

	done := make(chan struct{})
	go func() {
		p.Execute(context.Background(), &Task{
			Fn: func(ctx context.Context) (interface{}, error) {
				time.Sleep(10 * time.Millisecond)
				return nil, nil
			},
		})
		close(done)
	}()
	<-done

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := p.Execute(context.Background(), &Task{Fn: func(ctx context.Context) (interface{}, error) { return nil, nil }}); err != ErrPoolClosed {
		t.Errorf("Execute after Shutdown = %v, want ErrPoolClosed", err)
	}
}
