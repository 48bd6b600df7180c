package codec

import "sync"

// methodQueue correlates request methods with the responses that answer
// them. One side of a codec pushes, the other pops, possibly from a
// different goroutine.
type methodQueue struct {
	mu      sync.Mutex
	methods []string
}

func (q *methodQueue) push(method string) {
	q.mu.Lock()
	q.methods = append(q.methods, method)
	q.mu.Unlock()
}

// pop returns the oldest method, or "" when the queue is empty.
func (q *methodQueue) pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.methods) == 0 {
		return ""
	}
	m := q.methods[0]
	q.methods = q.methods[1:]
	return m
}
