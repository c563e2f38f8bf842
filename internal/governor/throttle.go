package governor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrQueueFull rejects a throttled admission once the queue is saturated.
// At that point delaying further arrivals would exceed the bounded delay,
// so the caller gets a hard rejection instead.
var ErrQueueFull = eris.New("throttle queue full")

// Admission is one granted slot in the throttle queue.
type Admission struct {
	RequestID     string        `json:"request_id"`
	Delay         time.Duration `json:"delay"`
	QueuePosition int           `json:"queue_position"`
}

type throttleEntry struct {
	identifier string
	requestID  string
	priority   int
	seq        uint64
	index      int
}

type throttleHeap []*throttleEntry

func (h throttleHeap) Len() int { return len(h) }

// Higher priority dequeues first; within a priority, earlier arrivals first.
func (h throttleHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h throttleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *throttleHeap) Push(x any) {
	e := x.(*throttleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *throttleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ThrottleQueue smooths momentary overload by handing out bounded delays
// instead of rejections. Each admission occupies a slot until released.
type ThrottleQueue struct {
	mu       sync.Mutex
	heap     throttleHeap
	byReqID  map[string]*throttleEntry
	depth    int
	maxDelay time.Duration
	seq      uint64
}

// NewThrottleQueue builds a queue holding at most depth pending admissions
// with per-admission delays capped at maxDelay.
func NewThrottleQueue(depth int, maxDelay time.Duration) *ThrottleQueue {
	if depth <= 0 {
		depth = 1
	}
	return &ThrottleQueue{
		byReqID:  make(map[string]*throttleEntry),
		depth:    depth,
		maxDelay: maxDelay,
	}
}

// Admit queues a request and returns its computed delay and position. The
// position counts entries that dequeue ahead of it; the delay scales with
// the position and never exceeds the queue's cap.
func (q *ThrottleQueue) Admit(identifier, requestID string, priority int) (*Admission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.depth {
		return nil, eris.Wrapf(ErrQueueFull, "%d pending", len(q.heap))
	}
	if _, dup := q.byReqID[requestID]; dup {
		return nil, eris.Errorf("request %s already queued", requestID)
	}

	q.seq++
	e := &throttleEntry{
		identifier: identifier,
		requestID:  requestID,
		priority:   priority,
		seq:        q.seq,
	}
	heap.Push(&q.heap, e)
	q.byReqID[requestID] = e

	pos := q.positionLocked(e)
	return &Admission{
		RequestID:     requestID,
		Delay:         q.delayFor(pos),
		QueuePosition: pos,
	}, nil
}

// Release frees the slot held by requestID. Releasing an unknown id is a
// no-op, so callers may release unconditionally in their finalizers.
func (q *ThrottleQueue) Release(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byReqID[requestID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byReqID, requestID)
}

// Depth reports the number of pending admissions.
func (q *ThrottleQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *ThrottleQueue) positionLocked(e *throttleEntry) int {
	pos := 0
	for _, other := range q.heap {
		if other == e {
			continue
		}
		if other.priority > e.priority || (other.priority == e.priority && other.seq < e.seq) {
			pos++
		}
	}
	return pos
}

func (q *ThrottleQueue) delayFor(pos int) time.Duration {
	if pos <= 0 {
		return 0
	}
	step := q.maxDelay / time.Duration(q.depth)
	d := step * time.Duration(pos)
	if d > q.maxDelay {
		return q.maxDelay
	}
	return d
}
