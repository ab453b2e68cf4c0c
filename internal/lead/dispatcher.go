package lead

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("lead queue full")
	ErrClosed    = errors.New("lead dispatcher closed")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultTimeout   = 4 * time.Second
)

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per notifier delivery
}

// Dispatcher hands leads to a fixed pool of workers. Enqueueing never
// blocks; delivery errors are logged and dropped.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	queue     chan Lead
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(notifiers []Notifier, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if len(notifiers) == 0 {
		notifiers = []Notifier{LogNotifier{}}
	}

	d := &Dispatcher{
		notifiers: notifiers,
		timeout:   opts.Timeout,
		queue:     make(chan Lead, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notifiers lists the configured delivery targets by name.
func (d *Dispatcher) Notifiers() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Dispatch queues a lead for delivery.
func (d *Dispatcher) Dispatch(l Lead) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- l:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for l := range d.queue {
		d.deliver(l)
	}
}

func (d *Dispatcher) deliver(l Lead) {
	for _, n := range d.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[lead] notifier %s panic: %v", n.Name(), r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.Notify(ctx, l); err != nil {
				log.Printf("[lead] notifier %s failed for %s: %v", n.Name(), l.ID, err)
				return
			}
			log.Printf("[lead] %s delivered via %s", l.ID, n.Name())
		}()
	}
}

// Close stops accepting leads and waits for queued ones to be delivered,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
