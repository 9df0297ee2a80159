// Package lifecycle replays a pair's conversion events through the
// subscription state machine.
//
//	none ──trial_started──▶ trial_pending ──cancellation──▶ trial_cancelled
//	                              │
//	                              └──trial_converted──▶ trial_converted ──refund──▶ purchase_refunded
//	none ──initial_purchase──▶ initial_purchase ──refund──▶ initial_purchase_refunded
//	trial_cancelled ──initial_purchase──▶ initial_purchase
//
// Transitions happen only on explicit events; there are no timeouts. Events
// that do not match an edge leave the state unchanged but still count
// toward money totals.
package lifecycle

import (
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
)

// Effect describes what one event did to the lifecycle. The timeline
// generator turns effects into daily counters.
type Effect struct {
	Event                 domain.ConversionEvent
	From                  domain.LifecycleStatus
	To                    domain.LifecycleStatus
	TrialStarted          bool
	TrialCancelled        bool
	TrialConverted        bool
	InitialPurchase       bool
	SubscriptionCancelled bool
	Refund                bool
}

// TrialEnded reports whether the event closed a pending trial.
func (e Effect) TrialEnded() bool { return e.TrialCancelled || e.TrialConverted }

// Machine is the incremental state machine for a single pair.
type Machine struct {
	status domain.LifecycleStatus

	trialStartedAt    *time.Time
	convertedAt       *time.Time
	initialPurchaseAt *time.Time
	refundedAfterConv bool
	refundedAfterInit bool
}

// New returns a machine in the initial state.
func New() *Machine { return &Machine{status: domain.StatusNone} }

// Status returns the current state.
func (m *Machine) Status() domain.LifecycleStatus { return m.status }

// Apply feeds one event, which must not precede previously applied events.
func (m *Machine) Apply(ev domain.ConversionEvent) Effect {
	eff := Effect{Event: ev, From: m.status}
	t := ev.EventTime

	switch ev.EventName {
	case domain.EventTrialStarted:
		if m.status == domain.StatusNone {
			m.status = domain.StatusTrialPending
			m.trialStartedAt = &t
			eff.TrialStarted = true
		}
	case domain.EventTrialConverted:
		switch m.status {
		case domain.StatusTrialPending:
			eff.TrialConverted = true
			m.status = domain.StatusTrialConverted
			m.convertedAt = &t
		case domain.StatusNone:
			// Conversion without an observed start: the trial began
			// before the stream did.
			eff.TrialConverted = true
			m.status = domain.StatusTrialConverted
			m.convertedAt = &t
		}
	case domain.EventInitialPurchase:
		if m.status == domain.StatusNone || m.status == domain.StatusTrialCancelled {
			eff.InitialPurchase = true
			m.status = domain.StatusInitialPurchase
			m.initialPurchaseAt = &t
		}
	case domain.EventCancellation:
		switch m.status {
		case domain.StatusTrialPending:
			eff.TrialCancelled = true
			m.status = domain.StatusTrialCancelled
		case domain.StatusTrialConverted, domain.StatusInitialPurchase:
			eff.SubscriptionCancelled = true
		}
	case domain.EventRefund:
		eff.Refund = true
		switch m.status {
		case domain.StatusTrialConverted:
			m.status = domain.StatusPurchaseRefunded
			m.refundedAfterConv = true
		case domain.StatusInitialPurchase:
			m.status = domain.StatusInitialPurchaseRefunded
			m.refundedAfterInit = true
		}
	}
	eff.To = m.status
	return eff
}

// Outcome summarizes a fully replayed lifecycle for cohort counting.
type Outcome struct {
	Status                       domain.LifecycleStatus
	FirstEventAt                 time.Time
	TrialStarted                 bool
	TrialConverted               bool
	RefundedAfterConversion      bool
	InitialPurchase              bool
	RefundedAfterInitialPurchase bool
}

// Outcome returns the summary of everything applied so far.
func (m *Machine) Outcome() Outcome {
	return Outcome{
		Status:                       m.status,
		TrialStarted:                 m.trialStartedAt != nil,
		TrialConverted:               m.convertedAt != nil,
		RefundedAfterConversion:      m.refundedAfterConv,
		InitialPurchase:              m.initialPurchaseAt != nil,
		RefundedAfterInitialPurchase: m.refundedAfterInit,
	}
}

// Replay sorts a copy of events and runs them through a fresh machine.
func Replay(events []domain.ConversionEvent) Outcome {
	sorted := make([]domain.ConversionEvent, len(events))
	copy(sorted, events)
	domain.SortEvents(sorted)

	m := New()
	for _, ev := range sorted {
		m.Apply(ev)
	}
	out := m.Outcome()
	if len(sorted) > 0 {
		out.FirstEventAt = sorted[0].EventTime
	}
	return out
}

// UsesTrial reports whether the pair's conversion price belongs to the
// trial_converted bucket partition rather than initial_purchase.
func UsesTrial(events []domain.ConversionEvent) bool {
	for _, ev := range events {
		if ev.EventName == domain.EventTrialStarted || ev.EventName == domain.EventTrialConverted {
			return true
		}
	}
	return false
}
