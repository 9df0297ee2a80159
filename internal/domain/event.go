package domain

import (
	"fmt"
	"sort"
	"time"
)

// EventName enumerates the lifecycle events emitted by the analytics stream.
type EventName string

const (
	EventTrialStarted    EventName = "trial_started"
	EventTrialConverted  EventName = "trial_converted"
	EventInitialPurchase EventName = "initial_purchase"
	EventRefund          EventName = "refund"
	EventCancellation    EventName = "cancellation"
)

// Valid reports whether n is one of the known event names.
func (n EventName) Valid() bool {
	switch n {
	case EventTrialStarted, EventTrialConverted, EventInitialPurchase, EventRefund, EventCancellation:
		return true
	}
	return false
}

// IsQualifying reports whether the event carries a conversion price that
// participates in price bucketing.
func (n EventName) IsQualifying() bool {
	return n == EventTrialConverted || n == EventInitialPurchase
}

// ConversionEvent is an immutable record from the append-only event store.
type ConversionEvent struct {
	EventID       string    `json:"event_id" db:"event_id"`
	DistinctID    string    `json:"distinct_id" db:"distinct_id"`
	ProductID     string    `json:"product_id" db:"product_id"`
	EventName     EventName `json:"event_name" db:"event_name"`
	EventTime     time.Time `json:"event_time" db:"event_time"`
	RevenueAmount float64   `json:"revenue_amount" db:"revenue_amount"`
	Currency      string    `json:"currency" db:"currency"`
	Country       string    `json:"country" db:"country"`
	Region        string    `json:"region" db:"region"`
	Store         string    `json:"store" db:"store"`
}

// Validate checks the structural fields every downstream stage relies on.
// A failure here means the event store is corrupt.
func (e ConversionEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event has no event_id")
	}
	if e.DistinctID == "" || e.ProductID == "" {
		return fmt.Errorf("event %s: missing distinct_id or product_id", e.EventID)
	}
	if !e.EventName.Valid() {
		return fmt.Errorf("event %s: unknown event_name %q", e.EventID, e.EventName)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("event %s: missing event_time", e.EventID)
	}
	return nil
}

// PairKey returns the user-product key the event belongs to.
func (e ConversionEvent) PairKey() PairKey {
	return PairKey{DistinctID: e.DistinctID, ProductID: e.ProductID}
}

// SortEvents orders events by (event_time, event_id). Every stage replays
// events in this order so repeated runs are byte-identical.
func SortEvents(events []ConversionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].EventTime.Equal(events[j].EventTime) {
			return events[i].EventTime.Before(events[j].EventTime)
		}
		return events[i].EventID < events[j].EventID
	})
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
