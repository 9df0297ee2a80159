package segment

import (
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// Member is a valid-lifecycle pair together with its replayed outcome.
type Member struct {
	Pair    domain.UserProductPair
	Outcome lifecycle.Outcome
}

// aggregate holds the precomputed counters for one prefix key.
type aggregate struct {
	level     int
	productID string

	total int // valid pairs regardless of window
	users int // pairs inside the cohort window

	trialStarted    int
	trialConverted  int
	refundAfterConv int
	initial         int
	refundAfterInit int
}

func (a *aggregate) add(o lifecycle.Outcome) {
	a.users++
	// a conversion without an observed start still implies a trial
	if o.TrialStarted || o.TrialConverted {
		a.trialStarted++
	}
	if o.TrialConverted {
		a.trialConverted++
		if o.RefundedAfterConversion {
			a.refundAfterConv++
		}
	}
	if o.InitialPurchase {
		a.initial++
		if o.RefundedAfterInitialPurchase {
			a.refundAfterInit++
		}
	}
}

// rates divides the counters, guarding every zero denominator.
func (a *aggregate) rates() domain.RateSet {
	return domain.RateSet{
		TrialConversionRate:         money.Ratio(float64(a.trialConverted), float64(a.trialStarted)),
		TrialConvertedToRefundRate:  money.Ratio(float64(a.refundAfterConv), float64(a.trialConverted)),
		InitialPurchaseToRefundRate: money.Ratio(float64(a.refundAfterInit), float64(a.initial)),
	}
}

// GlobalRates computes the terminal fallback over every valid member,
// ignoring the cohort window.
func GlobalRates(members []Member) domain.RateSet {
	var a aggregate
	for _, m := range members {
		a.add(m.Outcome)
	}
	return a.rates()
}
