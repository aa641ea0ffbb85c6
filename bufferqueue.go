package reframe

import (
	"sort"
	"sync"
	"time"
)

// waitTimer returns a channel that fires after timeout. A negative timeout
// never fires; the returned stop func must be called.
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

// inputSlots is a fixed pool of input buffers handed out by index.
type inputSlots struct {
	bufs [][]byte
	free chan int

	mu   sync.Mutex
	held []bool
}

func newInputSlots(count, size int) *inputSlots {
	s := &inputSlots{
		bufs: make([][]byte, count),
		free: make(chan int, count),
		held: make([]bool, count),
	}
	for i := range s.bufs {
		s.bufs[i] = make([]byte, size)
		s.free <- i
	}
	return s
}

func (s *inputSlots) dequeue(timeout time.Duration, done <-chan struct{}) int {
	select {
	case i := <-s.free:
		return s.take(i)
	default:
	}
	if timeout == 0 {
		return InfoTryAgainLater
	}
	timer, stop := waitTimer(timeout)
	defer stop()
	select {
	case i := <-s.free:
		return s.take(i)
	case <-timer:
		return InfoTryAgainLater
	case <-done:
		return InfoTryAgainLater
	}
}

func (s *inputSlots) take(i int) int {
	s.mu.Lock()
	s.held[i] = true
	s.mu.Unlock()
	return i
}

func (s *inputSlots) buffer(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.bufs) || !s.held[i] {
		return nil
	}
	return s.bufs[i]
}

// submit marks a held slot as queued. The slot stays unavailable until put.
func (s *inputSlots) submit(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.bufs) || !s.held[i] {
		return false
	}
	s.held[i] = false
	return true
}

func (s *inputSlots) put(i int) {
	s.free <- i
}

// outputSlot is one dequeued or pending codec output.
type outputSlot struct {
	data  []byte
	info  BufferInfo
	frame *VideoFrame
	held  bool
}

// outputEvent is an entry in the output queue: a slot index or an Info* code.
type outputEvent struct {
	index int
}

// outputQueue holds codec outputs until the client dequeues and releases them.
// With limit > 0 the producer blocks in acquire until a slot is released;
// limit 0 grows without bound and queues InfoOutputBuffersChanged whenever
// a new index is added to the set.
type outputQueue struct {
	mu     sync.Mutex
	events []outputEvent
	slots  map[int]*outputSlot
	free   []int
	next   int
	limit  int

	notify chan struct{} // an event was pushed
	freed  chan struct{} // a slot was released
}

func newOutputQueue(limit int) *outputQueue {
	return &outputQueue{
		slots:  make(map[int]*outputSlot),
		limit:  limit,
		notify: make(chan struct{}, 1),
		freed:  make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// acquire reserves a slot index, waiting for a release when the queue is
// bounded and full. It returns false when done closes first.
func (q *outputQueue) acquire(done <-chan struct{}) (int, bool) {
	for {
		q.mu.Lock()
		if q.limit == 0 || len(q.slots) < q.limit {
			var idx int
			grown := false
			if n := len(q.free); n > 0 {
				idx = q.free[n-1]
				q.free = q.free[:n-1]
			} else {
				idx = q.next
				q.next++
				grown = q.limit == 0 && idx > 0
			}
			q.slots[idx] = &outputSlot{}
			if grown {
				q.events = append(q.events, outputEvent{index: InfoOutputBuffersChanged})
			}
			q.mu.Unlock()
			if grown {
				signal(q.notify)
			}
			return idx, true
		}
		q.mu.Unlock()

		select {
		case <-q.freed:
		case <-done:
			return 0, false
		}
	}
}

// push publishes an acquired slot.
func (q *outputQueue) push(idx int, data []byte, info BufferInfo, frame *VideoFrame) {
	q.mu.Lock()
	slot := q.slots[idx]
	slot.data = data
	slot.info = info
	slot.frame = frame
	q.events = append(q.events, outputEvent{index: idx})
	q.mu.Unlock()
	signal(q.notify)
}

// pushInfo publishes a status code.
func (q *outputQueue) pushInfo(code int) {
	q.mu.Lock()
	q.events = append(q.events, outputEvent{index: code})
	q.mu.Unlock()
	signal(q.notify)
}

func (q *outputQueue) dequeue(info *BufferInfo, timeout time.Duration, done <-chan struct{}) int {
	var timer <-chan time.Time
	stop := func() {}
	defer func() { stop() }()

	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			if ev.index >= 0 {
				slot := q.slots[ev.index]
				slot.held = true
				if info != nil {
					*info = slot.info
				}
			}
			q.mu.Unlock()
			return ev.index
		}
		q.mu.Unlock()

		if timeout == 0 {
			return InfoTryAgainLater
		}
		if timer == nil && timeout > 0 {
			timer, stop = waitTimer(timeout)
		}
		select {
		case <-q.notify:
		case <-timer:
			return InfoTryAgainLater
		case <-done:
			return InfoTryAgainLater
		}
	}
}

func (q *outputQueue) buffer(idx int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[idx]
	if !ok || !slot.held {
		return nil
	}
	if slot.data == nil {
		return []byte{}
	}
	return slot.data
}

// release returns a dequeued slot and reports the frame it carried.
func (q *outputQueue) release(idx int) (*VideoFrame, bool) {
	q.mu.Lock()
	slot, ok := q.slots[idx]
	if !ok || !slot.held {
		q.mu.Unlock()
		return nil, false
	}
	delete(q.slots, idx)
	q.free = append(q.free, idx)
	q.mu.Unlock()
	signal(q.freed)
	return slot.frame, true
}

// ptsQueue hands out presentation timestamps to codec outputs.
// Decoders pop the smallest pending value since they emit in display order;
// encoders pop in submission order.
type ptsQueue struct {
	mu      sync.Mutex
	values  []int64
	ordered bool
}

func (p *ptsQueue) push(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ordered {
		p.values = append(p.values, v)
		return
	}
	i := sort.Search(len(p.values), func(i int) bool { return p.values[i] > v })
	p.values = append(p.values, 0)
	copy(p.values[i+1:], p.values[i:])
	p.values[i] = v
}

func (p *ptsQueue) pop() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.values) == 0 {
		return 0, false
	}
	v := p.values[0]
	p.values = p.values[1:]
	return v, true
}
