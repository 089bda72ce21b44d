package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"PulseDispatch/internal/models"
)

type memEntry struct {
	Entry
	seq      uint64
	index    int
	inflight bool
}

// entryHeap orders by due time, then by enqueue sequence so that equal due
// times keep their submission order.
type entryHeap []*memEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Memory is an in-process queue. It is not durable; pair it with
// campaign.Service.Resume on startup.
type Memory struct {
	mu      sync.Mutex
	policy  RetryPolicy
	now     func() time.Time
	seq     uint64
	ready   entryHeap
	entries map[string]*memEntry
	dead    map[string]Entry
	changed chan struct{}
}

func NewMemory(policy RetryPolicy, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		policy:  policy,
		now:     now,
		entries: make(map[string]*memEntry),
		dead:    make(map[string]Entry),
		changed: make(chan struct{}),
	}
}

func (m *Memory) Policy() RetryPolicy { return m.policy }

func (m *Memory) Enqueue(_ context.Context, task models.EmailTask, delay time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[task.ID]; ok {
		return false, nil
	}
	if delay < 0 {
		delay = 0
	}
	e := &memEntry{Entry: Entry{Task: task, DueAt: m.now().Add(delay)}}
	m.entries[task.ID] = e
	m.push(e)
	return true, nil
}

func (m *Memory) DequeueDue(ctx context.Context) (Entry, error) {
	for {
		m.mu.Lock()
		wait := time.Duration(-1)
		if len(m.ready) > 0 {
			head := m.ready[0]
			now := m.now()
			if !head.DueAt.After(now) {
				heap.Pop(&m.ready)
				head.inflight = true
				out := head.Entry
				m.mu.Unlock()
				return out, nil
			}
			wait = head.DueAt.Sub(now)
		}
		changed := m.changed
		m.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Entry{}, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *Memory) Requeue(_ context.Context, e Entry, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[e.Task.ID]
	if !ok || !me.inflight {
		return ErrNotInFlight
	}
	if delay < 0 {
		delay = 0
	}
	me.Task = e.Task
	me.DueAt = m.now().Add(delay)
	me.inflight = false
	m.push(me)
	return nil
}

func (m *Memory) Ack(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[e.Task.ID]
	if !ok || !me.inflight {
		return ErrNotInFlight
	}
	delete(m.entries, e.Task.ID)
	return nil
}

func (m *Memory) Nack(_ context.Context, e Entry, cause error) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[e.Task.ID]
	if !ok || !me.inflight {
		return 0, ErrNotInFlight
	}
	me.Task = e.Task
	me.Attempts = e.Attempts + 1
	me.LastError = errString(cause)

	if m.policy.Exhausted(me.Attempts) {
		delete(m.entries, e.Task.ID)
		me.DueAt = m.now()
		m.dead[e.Task.ID] = me.Entry
		return DeadLettered, nil
	}

	me.DueAt = m.now().Add(m.policy.Delay(me.Attempts))
	me.inflight = false
	m.push(me)
	return Retried, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *Memory) Dead(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.dead))
	for _, e := range m.dead {
		out = append(out, e)
	}
	return out, nil
}

// push must be called with mu held.
func (m *Memory) push(e *memEntry) {
	m.seq++
	e.seq = m.seq
	heap.Push(&m.ready, e)

	close(m.changed)
	m.changed = make(chan struct{})
}
