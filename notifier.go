package call

import "sync"

// notifier runs application callbacks in submission order on one goroutine.
// A callback may call back into the session.
type notifier struct {
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	mux    sync.Mutex
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) push(fn func()) {
	n.mux.Lock()
	if n.closed {
		n.mux.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mux.Unlock()

	n.wake()
}

// close lets already queued callbacks run, then stops the loop.
func (n *notifier) close() {
	n.mux.Lock()
	n.closed = true
	n.mux.Unlock()

	n.wake()
}

func (n *notifier) wake() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)

	for range n.signal {
		for {
			n.mux.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mux.Unlock()
				if closed {
					return
				}
				break
			}
			fn := n.queue[0]
			n.queue = n.queue[1:]
			n.mux.Unlock()

			fn()
		}
	}
}
