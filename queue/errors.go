package queue

import "fmt"

// PanicError wraps a recovered panic value from a submitted task so a
// bug in one task never takes down its bucket's worker goroutine or
// corrupts progress on other queued tasks.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("queue: task panicked: %v", e.Value)
}
