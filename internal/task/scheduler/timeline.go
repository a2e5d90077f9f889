package scheduler

import (
	"container/heap"
	"time"

	"postbot/internal/domain"
)

type entry struct {
	id    domain.PostID
	at    time.Time
	seq   uint64 // registration order breaks ties
	index int
}

// timeline is a min-heap ordered by fire time. It is not safe for
// concurrent use; Service guards it.
type timeline struct {
	items []*entry
	byID  map[domain.PostID]*entry
	seq   uint64
}

func newTimeline() *timeline {
	return &timeline{byID: map[domain.PostID]*entry{}}
}

func (t *timeline) Len() int { return len(t.items) }

func (t *timeline) Less(i, j int) bool {
	a, b := t.items[i], t.items[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

func (t *timeline) Swap(i, j int) {
	t.items[i], t.items[j] = t.items[j], t.items[i]
	t.items[i].index = i
	t.items[j].index = j
}

func (t *timeline) Push(x any) {
	e := x.(*entry)
	e.index = len(t.items)
	t.items = append(t.items, e)
}

func (t *timeline) Pop() any {
	old := t.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	t.items = old[:n-1]
	return e
}

// upsert registers id at `at`, moving an existing entry. It reports whether
// the entry already existed.
func (t *timeline) upsert(id domain.PostID, at time.Time) bool {
	t.seq++
	if e, ok := t.byID[id]; ok {
		e.at = at
		e.seq = t.seq
		heap.Fix(t, e.index)
		return true
	}
	e := &entry{id: id, at: at, seq: t.seq}
	heap.Push(t, e)
	t.byID[id] = e
	return false
}

func (t *timeline) remove(id domain.PostID) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	heap.Remove(t, e.index)
	delete(t.byID, id)
	return true
}

func (t *timeline) peek() (*entry, bool) {
	if len(t.items) == 0 {
		return nil, false
	}
	return t.items[0], true
}

// popDue removes and returns every entry due at or before now.
func (t *timeline) popDue(now time.Time) []domain.PostID {
	var due []domain.PostID
	for len(t.items) > 0 && !t.items[0].at.After(now) {
		e := heap.Pop(t).(*entry)
		delete(t.byID, e.id)
		due = append(due, e.id)
	}
	return due
}

func (t *timeline) reset() {
	t.items = nil
	t.byID = map[domain.PostID]*entry{}
}
