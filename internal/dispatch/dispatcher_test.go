package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// chanPoster runs posted callbacks on a single test-owned goroutine.
type chanPoster struct {
	ch chan func()
}

func newChanPoster() *chanPoster {
	return &chanPoster{ch: make(chan func(), 256)}
}

func (p *chanPoster) Post(fn func()) bool {
	p.ch <- fn
	return true
}

// drain runs n callbacks on the calling goroutine.
func (p *chanPoster) drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case fn := <-p.ch:
			fn()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func TestSubmit_DeliversResult(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(2))
	defer d.Close()

	var got Completion
	h, err := d.Submit(func(ctx context.Context) (any, error) {
		return 42, nil
	}, func(c Completion) { got = c })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.drain(t, 1)

	if got.Value != 42 || got.Err != nil {
		t.Errorf("completion = %+v, want value 42", got)
	}
	if got.Handle != h {
		t.Error("completion carries a different handle")
	}
	if h.ID() == "" {
		t.Error("handle has empty ID")
	}
}

func TestSubmit_DeliversError(t *testing.T) {
	p := newChanPoster()
	d := New(p)
	defer d.Close()

	want := errors.New("upstream down")
	var got Completion
	if _, err := d.Submit(func(ctx context.Context) (any, error) {
		return nil, want
	}, func(c Completion) { got = c }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.drain(t, 1)

	if !errors.Is(got.Err, want) {
		t.Errorf("completion error = %v, want %v", got.Err, want)
	}
}

func TestSubmit_RecoversPanic(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(1), WithLogger(zerolog.Nop()))
	defer d.Close()

	var first Completion
	d.Submit(func(ctx context.Context) (any, error) {
		panic("boom")
	}, func(c Completion) { first = c })

	// the single worker must survive to run the next task
	var second Completion
	d.Submit(func(ctx context.Context) (any, error) {
		return "ok", nil
	}, func(c Completion) { second = c })

	p.drain(t, 2)

	if !errors.Is(first.Err, ErrPanic) {
		t.Errorf("panicking task error = %v, want ErrPanic", first.Err)
	}
	if second.Value != "ok" {
		t.Errorf("second task value = %v, want ok", second.Value)
	}
}

func TestSubmit_CompletionOrderFollowsFinishOrder(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(3))
	defer d.Close()

	var order []string
	for _, tc := range []struct {
		name  string
		delay time.Duration
	}{
		{"slow", 60 * time.Millisecond},
		{"medium", 30 * time.Millisecond},
		{"fast", 0},
	} {
		tc := tc
		d.Submit(func(ctx context.Context) (any, error) {
			time.Sleep(tc.delay)
			return tc.name, nil
		}, func(c Completion) { order = append(order, c.Value.(string)) })
	}
	p.drain(t, 3)

	want := []string{"fast", "medium", "slow"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", order, want)
		}
	}
}

func TestSubmit_BoundedParallelism(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(2), WithQueueSize(16))
	defer d.Close()

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		d.Submit(func(ctx context.Context) (any, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}, func(Completion) {})
	}
	p.drain(t, 8)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(1), WithQueueSize(1))

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}

	if _, err := d.Submit(block, nil); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	<-started
	if _, err := d.Submit(block, nil); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}

	begin := time.Now()
	if _, err := d.Submit(block, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Submit() error = %v, want ErrQueueFull", err)
	}
	if time.Since(begin) > 100*time.Millisecond {
		t.Error("Submit() blocked on a full queue")
	}

	close(release)
	d.Close()
}

func TestHandle_Cancel(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(1))
	defer d.Close()

	started := make(chan struct{})
	var got Completion
	h, _ := d.Submit(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(c Completion) { got = c })

	<-started
	h.Cancel()
	p.drain(t, 1)

	if !errors.Is(got.Err, context.Canceled) {
		t.Errorf("completion error = %v, want context.Canceled", got.Err)
	}
}

func TestClose(t *testing.T) {
	p := newChanPoster()
	d := New(p, WithWorkers(2))

	var wg sync.WaitGroup
	wg.Add(1)
	d.Submit(func(ctx context.Context) (any, error) {
		defer wg.Done()
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	d.Close()
	wg.Wait()

	if _, err := d.Submit(func(ctx context.Context) (any, error) { return nil, nil }, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close = %v, want ErrClosed", err)
	}
	d.Close()
}

func TestWithWorkers(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want int
	}{
		{"explicit size", 3, 3},
		{"zero keeps the default", 0, defaultWorkers},
		{"negative keeps the default", -2, defaultWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(newChanPoster(), WithWorkers(tt.n))
			defer d.Close()
			if got := d.Workers(); got != tt.want {
				t.Errorf("Workers() = %d, want %d", got, tt.want)
			}
		})
	}
}
