package scheduler

import (
	"slices"
	"sync"
)

// Entry is a queued job.
type Entry struct {
	Job   int64  `json:"job"`
	Group string `json:"group"`
	High  bool   `json:"high"`
}

// Queue orders waiting jobs. High-priority entries go ahead of every normal
// entry and behind earlier high-priority ones.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Enqueue adds a job, or moves it if already queued.
func (q *Queue) Enqueue(job int64, group string, high bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(job)
	e := Entry{Job: job, Group: group, High: high}
	if !high {
		q.entries = append(q.entries, e)
		return
	}
	i := 0
	for i < len(q.entries) && q.entries[i].High {
		i++
	}
	q.entries = slices.Insert(q.entries, i, e)
}

func (q *Queue) remove(job int64) bool {
	i := slices.IndexFunc(q.entries, func(e Entry) bool { return e.Job == job })
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	return true
}

// Remove drops a job and reports whether it was queued.
func (q *Queue) Remove(job int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(job)
}

// Contains reports whether job is queued.
func (q *Queue) Contains(job int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.entries, func(e Entry) bool { return e.Job == job })
}

// First returns the first entry accepted by ok.
func (q *Queue) First(ok func(Entry) bool) (Entry, bool) {
	q.mu.Lock()
	entries := slices.Clone(q.entries)
	q.mu.Unlock()
	for _, e := range entries {
		if ok(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// Len is the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue in order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}
