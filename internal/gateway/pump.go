package gateway

import "sync"

// Pump is an unbounded FIFO feeding a channel. Push never blocks, so a
// producer holding a lock cannot deadlock against a consumer that calls back
// into it.
type Pump[T any] struct {
	out   chan T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	queue []T
}

// NewPump starts a pump.
func NewPump[T any]() *Pump[T] {
	p := &Pump[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

// C returns the receive side. It is closed after Close.
func (p *Pump[T]) C() <-chan T { return p.out }

// Push enqueues v. It is a no-op after Close.
func (p *Pump[T]) Push(v T) {
	select {
	case <-p.done:
		return
	default:
	}
	p.mu.Lock()
	p.queue = append(p.queue, v)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery and closes the channel. Queued values are dropped.
func (p *Pump[T]) Close() {
	p.once.Do(func() { close(p.done) })
}

// Done is closed once Close has been called.
func (p *Pump[T]) Done() <-chan struct{} { return p.done }

func (p *Pump[T]) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}
		v := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.out <- v:
		case <-p.done:
			return
		}
	}
}
