package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	defaultLaneQueue = 16
	defaultLaneIdle  = 300 * time.Second
)

var errLaneFull = errors.New("lane queue full")

type job func(ctx context.Context)

// Lanes runs jobs one at a time per conversation key while different keys
// proceed in parallel, at most maxConcurrent at once.
type Lanes struct {
	ctx       context.Context
	sem       chan struct{}
	queueSize int
	idle      time.Duration

	mu    sync.Mutex
	lanes map[string]chan job
	wg    sync.WaitGroup
}

// NewLanes returns lanes whose workers stop when ctx is done.
func NewLanes(ctx context.Context, maxConcurrent, queueSize int, idle time.Duration) *Lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if queueSize <= 0 {
		queueSize = defaultLaneQueue
	}
	if idle <= 0 {
		idle = defaultLaneIdle
	}
	return &Lanes{
		ctx:       ctx,
		sem:       make(chan struct{}, maxConcurrent),
		queueSize: queueSize,
		idle:      idle,
		lanes:     make(map[string]chan job),
	}
}

// Submit queues fn behind earlier jobs for key. It never waits for the
// job to run; a full lane is reported as errLaneFull.
func (l *Lanes) Submit(key string, fn job) error {
	if err := l.ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.lanes[key]
	if !ok {
		q = make(chan job, l.queueSize)
		l.lanes[key] = q
		l.wg.Add(1)
		go l.run(key, q)
	}
	select {
	case q <- fn:
		return nil
	default:
		return errLaneFull
	}
}

// Active reports how many conversation lanes have a live worker.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Wait blocks until every worker has exited or ctx is done.
func (l *Lanes) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lanes) run(key string, q chan job) {
	defer l.wg.Done()
	timer := time.NewTimer(l.idle)
	defer timer.Stop()

	for {
		select {
		case fn := <-q:
			select {
			case l.sem <- struct{}{}:
			case <-l.ctx.Done():
				l.remove(key)
				return
			}
			l.exec(key, fn)
			<-l.sem
			timer.Reset(l.idle)
		case <-timer.C:
			l.mu.Lock()
			if len(q) > 0 {
				l.mu.Unlock()
				timer.Reset(l.idle)
				continue
			}
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		case <-l.ctx.Done():
			l.remove(key)
			return
		}
	}
}

func (l *Lanes) exec(key string, fn job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gateway] lane %s job panic: %v", key, r)
		}
	}()
	fn(l.ctx)
}

func (l *Lanes) remove(key string) {
	l.mu.Lock()
	delete(l.lanes, key)
	l.mu.Unlock()
}
