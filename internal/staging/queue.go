// Package staging holds watermarked photos waiting to be published.
//
// The queue is owned by a single goroutine: every Append, PeekAndRemove and
// Size call is sent to it as a request and answered over a reply channel,
// so the underlying slice is never touched concurrently and no item can be
// lost or duplicated regardless of how many callers race. Contents are kept
// in memory only; a restart loses everything that was not published.
package staging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("staging queue closed")

// Item is one processed photo awaiting publication.
type Item struct {
	ID       string
	Image    []byte
	Caption  string // empty when the submission had no caption
	StagedAt time.Time
}

type opKind int

const (
	opAppend opKind = iota
	opTake
	opSize
)

type request struct {
	kind  opKind
	items []Item
	n     int
	reply chan response
}

type response struct {
	items []Item
	size  int
}

// Queue is an in-memory FIFO of staged items. Safe for concurrent use.
type Queue struct {
	requests chan request
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	// onChange, when set, observes the size after every mutation.
	onChange func(size int)
}

// New creates a queue. The owner goroutine starts on first use.
func New() *Queue {
	return &Queue{
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// OnChange registers a callback invoked by the owner goroutine with the new
// size after each mutation. Must be called before first use.
func (q *Queue) OnChange(fn func(size int)) {
	q.onChange = fn
}

// Close stops the owner goroutine. Pending items are discarded.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Append adds one item to the back of the queue.
func (q *Queue) Append(item Item) error {
	_, err := q.do(request{kind: opAppend, items: []Item{item}})
	return err
}

// AppendAll adds items to the back of the queue as one contiguous run.
func (q *Queue) AppendAll(items []Item) error {
	if len(items) == 0 {
		return nil
	}
	_, err := q.do(request{kind: opAppend, items: items})
	return err
}

// PeekAndRemove removes and returns up to n items from the front of the
// queue, oldest first. n <= 0 means all items. Asking for more than the
// queue holds returns what is there.
func (q *Queue) PeekAndRemove(n int) ([]Item, error) {
	resp, err := q.do(request{kind: opTake, n: n})
	return resp.items, err
}

// Size returns the number of staged items.
func (q *Queue) Size() (int, error) {
	resp, err := q.do(request{kind: opSize})
	return resp.size, err
}

func (q *Queue) do(req request) (response, error) {
	select {
	case <-q.done:
		return response{}, ErrClosed
	default:
	}
	q.startOnce.Do(func() { go q.run() })

	req.reply = make(chan response, 1)
	select {
	case q.requests <- req:
	case <-q.done:
		return response{}, ErrClosed
	}
	// The owner always replies once it has accepted a request.
	return <-req.reply, nil
}

// run is the owner loop. It is the only code that reads or writes items.
func (q *Queue) run() {
	var items []Item
	for {
		select {
		case <-q.done:
			return
		case req := <-q.requests:
			switch req.kind {
			case opAppend:
				items = append(items, req.items...)
				q.changed(len(items))
				req.reply <- response{size: len(items)}

			case opTake:
				n := req.n
				if n <= 0 || n > len(items) {
					n = len(items)
				}
				taken := make([]Item, n)
				copy(taken, items[:n])
				// Clear vacated slots so drained image bytes can be collected.
				clear(items[:n])
				items = items[n:]
				if len(items) == 0 {
					items = nil
				}
				q.changed(len(items))
				req.reply <- response{items: taken, size: len(items)}

			case opSize:
				req.reply <- response{size: len(items)}
			}
		}
	}
}

func (q *Queue) changed(size int) {
	if q.onChange != nil {
		q.onChange(size)
	}
}

// Run blocks until ctx is done and then closes the queue. It lets the
// queue's lifetime be tied to the process context.
func (q *Queue) Run(ctx context.Context) {
	<-ctx.Done()
	q.Close()
}
