package audit

import (
	"sync"
	"sync/atomic"
)

// Sink accepts records without ever blocking the caller.
type Sink interface {
	Enqueue(r Record)
}

// Writer persists records. Writers are only ever called from the queue's
// consumer goroutine.
type Writer interface {
	WriteAudit(r Record) error
}

// Emit enqueues r on s when s is non-nil.
func Emit(s Sink, r Record) {
	if s != nil {
		s.Enqueue(r)
	}
}

type QueueStats struct {
	Enqueued    uint64 `json:"enqueued"`
	Dropped     uint64 `json:"dropped"`
	Written     uint64 `json:"written"`
	WriteErrors uint64 `json:"write_errors"`
	Depth       int    `json:"depth"`
	Capacity    int    `json:"capacity"`
}

// Queue is a bounded audit queue drained by a single consumer goroutine.
// Enqueue never waits: when the buffer is full the record is dropped and
// counted.
type Queue struct {
	ch      chan Record
	writers []Writer

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	written     atomic.Uint64
	writeErrors atomic.Uint64

	errMu    sync.Mutex
	firstErr error
}

const DefaultQueueCapacity = 262144

func NewQueue(capacity int, writers ...Writer) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		ch:      make(chan Record, capacity),
		writers: writers,
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop()
	}()
	return q
}

func (q *Queue) Enqueue(r Record) {
	if q == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.ch <- r:
		q.enqueued.Add(1)
	default:
		q.dropped.Add(1)
	}
}

func (q *Queue) loop() {
	for r := range q.ch {
		for _, w := range q.writers {
			if err := w.WriteAudit(r); err != nil {
				q.writeErrors.Add(1)
				q.errMu.Lock()
				if q.firstErr == nil {
					q.firstErr = err
				}
				q.errMu.Unlock()
			}
		}
		q.written.Add(1)
	}
}

// Close stops intake, drains everything already queued and returns the first
// writer error seen, if any.
func (q *Queue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
		q.wg.Wait()
	})
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.firstErr
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:    q.enqueued.Load(),
		Dropped:     q.dropped.Load(),
		Written:     q.written.Load(),
		WriteErrors: q.writeErrors.Load(),
		Depth:       len(q.ch),
		Capacity:    cap(q.ch),
	}
}

// Recorder keeps every record in memory, in arrival order.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) WriteAudit(rec Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

// Enqueue lets a Recorder stand in as a synchronous Sink in tests.
func (r *Recorder) Enqueue(rec Record) { _ = r.WriteAudit(rec) }

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
