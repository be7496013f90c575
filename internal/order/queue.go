package order

// Queue hands registered exits to the watcher.
type Queue struct {
	ch chan Command
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Command, size)}
}

// Enqueue never blocks; false means the queue is full and the command
// waits in the ledger for the watcher's next rescan.
func (q *Queue) Enqueue(c Command) bool {
	select {
	case q.ch <- c:
		return true
	default:
		return false
	}
}

func (q *Queue) Chan() <-chan Command {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}
