package pipeline

// Outcome reports the result of processing one queue item. Err is the
// primary failure; CleanupErr is a failure of the failure-path bookkeeping
// itself (dequeue or Failed-queue enqueue). They are reported separately so
// the caller can decide whether a cleanup failure is fatal.
type Outcome struct {
	Err        error
	CleanupErr error
}

// OK reports whether the item was processed without any error.
func (o Outcome) OK() bool {
	return o.Err == nil && o.CleanupErr == nil
}
