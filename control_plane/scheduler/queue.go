package scheduler

import (
	"container/heap"

	"github.com/itskum47/accountforge/control_plane/model"
)

type queueItem struct {
	action *model.Action
	index  int
}

// actionQueue implements heap.Interface over one account's waiting actions,
// ordered by (NotBefore asc, Priority desc, Seq asc).
type actionQueue []*queueItem

func (q actionQueue) Len() int { return len(q) }

func (q actionQueue) Less(i, j int) bool {
	a, b := q[i].action, q[j].action
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (q actionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *actionQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *actionQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// lane is the per-account dispatch path: waiting actions plus the single
// action allowed in flight.
type lane struct {
	accountID string
	queue     actionQueue
	items     map[string]*queueItem
	inFlight  string
	claimed   string // head action between its lane check and the limiter grant
}

func newLane(accountID string) *lane {
	return &lane{accountID: accountID, items: make(map[string]*queueItem)}
}

func (l *lane) push(a *model.Action) {
	item := &queueItem{action: a}
	heap.Push(&l.queue, item)
	l.items[a.ID] = item
}

func (l *lane) peek() *model.Action {
	if len(l.queue) == 0 {
		return nil
	}
	return l.queue[0].action
}

func (l *lane) pop() *model.Action {
	if len(l.queue) == 0 {
		return nil
	}
	item := heap.Pop(&l.queue).(*queueItem)
	delete(l.items, item.action.ID)
	return item.action
}

func (l *lane) remove(actionID string) bool {
	item, ok := l.items[actionID]
	if !ok {
		return false
	}
	heap.Remove(&l.queue, item.index)
	delete(l.items, actionID)
	return true
}

// drain removes and returns every waiting action in dispatch order.
func (l *lane) drain() []*model.Action {
	out := make([]*model.Action, 0, len(l.queue))
	for len(l.queue) > 0 {
		out = append(out, l.pop())
	}
	return out
}

func (l *lane) idle() bool {
	return len(l.queue) == 0 && l.inFlight == "" && l.claimed == ""
}
