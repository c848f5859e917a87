package uploadsvc

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
)

// EnqueueTimeout bounds how long Enqueue blocks on a full queue before
// giving up and returning ErrQueueBusy, per the spec's 1-5s backpressure
// window (producers must never starve the acceptor).
const EnqueueTimeout = 3 * time.Second

var (
	// ErrQueueShutdown is returned by Enqueue and Dequeue once the queue has
	// been shut down and, for Dequeue, fully drained.
	ErrQueueShutdown = errors.New("priority queue shut down")

	// ErrQueueBusy is returned by Enqueue when the queue stays full for
	// longer than EnqueueTimeout; callers map this to HTTP 503.
	ErrQueueBusy = errors.New("priority queue busy")
)

// descriptorHeap is a container/heap.Interface over upload descriptors,
// ordered by (FileSize, ArrivalSeq): the min-heap the spec's priority queue
// is built on, with arrival sequence as the FIFO tie-breaker.
type descriptorHeap []*domain.UploadDescriptor

func (h descriptorHeap) Len() int { return len(h) }

func (h descriptorHeap) Less(i, j int) bool {
	if h[i].FileSize != h[j].FileSize {
		return h[i].FileSize < h[j].FileSize
	}

	return h[i].ArrivalSeq < h[j].ArrivalSeq
}

func (h descriptorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *descriptorHeap) Push(x any) {
	//nolint:forcetypeassert
	*h = append(*h, x.(*domain.UploadDescriptor))
}

func (h *descriptorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// PriorityQueue is the bounded, thread-safe min-heap coordinating connection
// handlers (producers) with the single worker (consumer). It is built on a
// mutex plus two condition variables and an "active" flag, the canonical
// shutdown idiom the original priority_queue.c uses, translated from
// pthread_cond_t broadcast/wait to sync.Cond.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    descriptorHeap
	active   bool
	nextSeq  uint64
	log      logging.Logger
}

// NewPriorityQueue creates an active, empty priority queue.
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{
		mu:       sync.Mutex{},
		notEmpty: nil,
		notFull:  nil,
		items:    make(descriptorHeap, 0, QueueCapacity),
		active:   true,
		nextSeq:  0,
		log:      logging.GetLogger("svc.uploadsvc.priority_queue"),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	return q
}

// Enqueue inserts descriptor, assigning its ArrivalSeq under the queue
// mutex. It blocks while the queue is full, waking on every Dequeue, and
// gives up after EnqueueTimeout, returning ErrQueueBusy. Once enqueued,
// ownership of descriptor.ClientSocket has moved from caller to whichever
// goroutine eventually dequeues it.
func (q *PriorityQueue) Enqueue(descriptor *domain.UploadDescriptor) error {
	deadline := time.Now().Add(EnqueueTimeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.active {
		return ErrQueueShutdown
	}

	for len(q.items) >= QueueCapacity {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrQueueBusy
		}

		if !q.waitTimeout(q.notFull, remaining) && len(q.items) >= QueueCapacity {
			return ErrQueueBusy
		}

		if !q.active {
			return ErrQueueShutdown
		}
	}

	q.nextSeq++
	descriptor.ArrivalSeq = q.nextSeq

	heap.Push(&q.items, descriptor)

	q.log.Debug("file enqueued", logging.Group("queue",
		"filename", descriptor.OriginalFilename,
		"size", descriptor.FileSize,
		"arrival_seq", descriptor.ArrivalSeq,
		"queue_size", len(q.items),
	))

	q.notEmpty.Signal()

	return nil
}

// Dequeue removes and returns the smallest-file-size descriptor, breaking
// ties by arrival order. It blocks while the queue is empty and active. Once
// the queue is shut down, Dequeue keeps draining any remaining items (the
// worker is expected to respond 503 to each) and only returns ErrQueueShutdown
// once the heap is empty.
func (q *PriorityQueue) Dequeue() (*domain.UploadDescriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && q.active {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		return nil, ErrQueueShutdown
	}

	//nolint:forcetypeassert
	item := heap.Pop(&q.items).(*domain.UploadDescriptor)

	q.log.Debug("file dequeued", logging.Group("queue",
		"filename", item.OriginalFilename,
		"size", item.FileSize,
		"arrival_seq", item.ArrivalSeq,
		"queue_size", len(q.items),
	))

	q.notFull.Signal()

	return item, nil
}

// Shutdown marks the queue inactive and wakes every waiter. Waiters blocked
// in Enqueue see ErrQueueShutdown; waiters blocked in Dequeue on an empty
// queue see ErrQueueShutdown too, but a non-empty queue keeps draining.
func (q *PriorityQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active = false

	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Active reports whether the queue is still accepting new work. Used by the
// worker to distinguish ordinary dequeues from shutdown-drain dequeues.
func (q *PriorityQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.active
}

// Size returns the current number of queued items.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// IsFull reports whether the queue is at QueueCapacity.
func (q *PriorityQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) >= QueueCapacity
}

// IsEmpty reports whether the queue currently holds no items.
func (q *PriorityQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) == 0
}

// waitTimeout waits on cond for at most d, waking itself via a deferred
// broadcast if no other signal arrives first. sync.Cond has no native timed
// wait, so a timer goroutine stands in for one; the caller re-checks its
// predicate on return regardless of which broadcast woke it, so a stray
// timer firing after a real signal is harmless. Returns false if d elapsed
// without the predicate being reachable (caller still must recheck).
func (q *PriorityQueue) waitTimeout(cond *sync.Cond, d time.Duration) bool {
	timedOut := false

	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		timedOut = true
		cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	cond.Wait()

	return !timedOut
}
