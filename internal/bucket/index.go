package bucket

import (
	"sort"
	"time"
)

// indexedEvent is a qualifying event already mapped to its bucket.
type indexedEvent struct {
	at       time.Time
	eventID  string
	bucketID int
}

// timeIndex holds one partition's qualifying events sorted by time so the
// closest-in-time lookup is a binary search.
type timeIndex struct {
	events []indexedEvent
}

func newTimeIndex(events []indexedEvent) *timeIndex {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].eventID < events[j].eventID
	})
	return &timeIndex{events: events}
}

func (ix *timeIndex) Len() int { return len(ix.events) }

// Nearest returns the event closest to t. On equal distance the earlier
// event wins; identical timestamps resolve to the lower event id because
// of the sort order.
func (ix *timeIndex) Nearest(t time.Time) (indexedEvent, bool) {
	n := len(ix.events)
	if n == 0 {
		return indexedEvent{}, false
	}
	// first event at or after t
	i := sort.Search(n, func(i int) bool { return !ix.events[i].at.Before(t) })
	if i == 0 {
		return ix.events[0], true
	}

	// earliest event sharing the predecessor's timestamp
	j := i - 1
	for j > 0 && ix.events[j-1].at.Equal(ix.events[j].at) {
		j--
	}
	before := ix.events[j]
	if i == n {
		return before, true
	}

	after := ix.events[i]
	if t.Sub(before.at) <= after.at.Sub(t) {
		return before, true
	}
	return after, true
}
