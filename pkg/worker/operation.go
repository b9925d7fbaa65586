package worker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sharding-system/pkg/table"
)

// Operation is the handle a caller holds for one submitted query (§3
// "Operation"). It carries the query text, a one-shot completion latch and
// a cancellation flag; the worker that owns it is the only writer of the
// result.
type Operation struct {
	Query string
	ID    uuid.UUID

	canceled atomic.Bool
	done     chan struct{}
	once     sync.Once
	result   *table.Table
}

// NewOperation builds a queued Operation for query, tagging it with a
// random id so the worker's debug logs can correlate one submitted query
// across cancel and completion.
func NewOperation(query string) *Operation {
	return &Operation{Query: query, ID: uuid.New(), done: make(chan struct{})}
}

// MarkCanceled flags the operation as canceled. Idempotent; may race with
// the worker dispatching or completing the same operation.
func (op *Operation) MarkCanceled() {
	op.canceled.Store(true)
}

// IsCanceled reports whether MarkCanceled has been called.
func (op *Operation) IsCanceled() bool {
	return op.canceled.Load()
}

// setDone publishes result and fires the completion latch exactly once.
func (op *Operation) setDone(result *table.Table) {
	op.once.Do(func() {
		op.result = result
		close(op.done)
	})
}

// Wait blocks until the operation completes and returns its result.
func (op *Operation) Wait() *table.Table {
	<-op.done
	return op.result
}

// TryWait returns the result and true if the operation has completed,
// without blocking.
func (op *Operation) TryWait() (*table.Table, bool) {
	select {
	case <-op.done:
		return op.result, true
	default:
		return nil, false
	}
}
