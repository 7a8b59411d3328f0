package mesh

import "sync"

// taskQueue runs functions one at a time on its own goroutine. push never
// blocks; tasks pushed after stop are dropped, as are tasks still waiting
// when stop is called.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake     chan struct{}
	finished chan struct{}
}

func newTaskQueue(onExit func()) *taskQueue {
	q := &taskQueue{
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	go q.run(onExit)
	return q
}

func (q *taskQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.notify()
	return true
}

func (q *taskQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
	q.notify()
}

// done is closed after the last task and the exit hook have returned.
func (q *taskQueue) done() <-chan struct{} { return q.finished }

func (q *taskQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) run(onExit func()) {
	defer close(q.finished)
	if onExit != nil {
		defer onExit()
	}
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}
