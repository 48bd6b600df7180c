// Package eventloop provides a fixed pool of single-goroutine task loops.
//
// Every connection is owned by exactly one Loop and all of its handler code
// runs there, so handler state needs no locking. Code running elsewhere
// must hand work to the owning loop with Execute.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Loop executes submitted tasks sequentially in submission order.
type Loop struct {
	id     int
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	closing bool
	wake    chan struct{}

	executed *atomic.Uint64
}

func newLoop(id int, logger *slog.Logger) *Loop {
	return &Loop{
		id:       id,
		logger:   logger.With("loop", id),
		wake:     make(chan struct{}, 1),
		executed: atomic.NewUint64(0),
	}
}

// ID returns the loop's index within its group.
func (l *Loop) ID() int { return l.id }

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

// Execute queues fn to run on the loop. It never blocks. It returns false
// when the loop has been shut down and fn was dropped.
func (l *Loop) Execute(fn func()) bool {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// run drains the task queue until shutdown is requested and the queue is empty.
func (l *Loop) run() error {
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		closing := l.closing
		l.mu.Unlock()

		if len(batch) == 0 {
			if closing {
				return nil
			}
			<-l.wake
			continue
		}
		for _, fn := range batch {
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
	l.executed.Inc()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Group is a fixed set of loops handed out round-robin.
type Group struct {
	loops []*Loop
	next  *atomic.Uint64
	eg    errgroup.Group
	once  sync.Once
	done  chan struct{}
}

// NewGroup starts n loops. A non-positive n means one loop per CPU.
func NewGroup(n int, logger *slog.Logger) *Group {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	logger = logger.With("component", "eventloop")
	g := &Group{
		loops: make([]*Loop, n),
		next:  atomic.NewUint64(0),
		done:  make(chan struct{}),
	}
	for i := range g.loops {
		l := newLoop(i, logger)
		g.loops[i] = l
		g.eg.Go(l.run)
	}
	logger.Debug("event loops started", "count", n)
	return g
}

// Len returns the number of loops.
func (g *Group) Len() int { return len(g.loops) }

// Next returns the next loop in round-robin order.
func (g *Group) Next() *Loop {
	i := g.next.Inc() - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Shutdown stops accepting tasks, lets queued tasks finish and waits for
// every loop to exit or ctx to end.
func (g *Group) Shutdown(ctx context.Context) error {
	g.once.Do(func() {
		for _, l := range g.loops {
			l.shutdown()
		}
		go func() {
			_ = g.eg.Wait()
			close(g.done)
		}()
	})
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event loop shutdown: %w", ctx.Err())
	}
}
