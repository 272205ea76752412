package client

// pendingTracker records which optimistic playlist inserts are still
// unconfirmed, keyed by external id. Not goroutine-safe; State holds the
// lock.
type pendingTracker struct {
	ids map[string]struct{}
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{ids: make(map[string]struct{})}
}

func (tracker *pendingTracker) Add(externalID string) {
	tracker.ids[externalID] = struct{}{}
}

func (tracker *pendingTracker) Delete(externalID string) {
	delete(tracker.ids, externalID)
}

func (tracker *pendingTracker) Contains(externalID string) bool {
	_, ok := tracker.ids[externalID]
	return ok
}

func (tracker *pendingTracker) Reset() {
	tracker.ids = make(map[string]struct{})
}

func (tracker *pendingTracker) Len() int {
	return len(tracker.ids)
}

func (tracker *pendingTracker) IDs() []string {
	ids := make([]string, 0, len(tracker.ids))
	for id := range tracker.ids {
		ids = append(ids, id)
	}

	return ids
}
