package session

import "sync"

// loop runs posted work one item at a time. Whichever goroutine finds the loop
// idle drains the queue; work posted while draining, including from inside a
// running item, is queued behind it instead of running re-entrantly.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (l *loop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			panic(r)
		}
	}()

	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		next()

		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}
