package segment

import (
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
)

// Config holds the cohort viability and window parameters.
type Config struct {
	MinCohortUsers int // viability threshold, 12
	WindowLagDays  int // days between the window end and "now", 8
	WindowDays     int // window width, 45
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{MinCohortUsers: 12, WindowLagDays: 8, WindowDays: 45}
}

// Window is an inclusive range of credited dates.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewWindow returns [asOf-(lag+width), asOf-lag] at day granularity.
func NewWindow(asOf time.Time, cfg Config) Window {
	to := domain.Day(asOf).AddDate(0, 0, -cfg.WindowLagDays)
	return Window{From: to.AddDate(0, 0, -cfg.WindowDays), To: to}
}

// Contains reports whether the credited date falls inside the window.
func (w Window) Contains(credited time.Time) bool {
	d := domain.Day(credited)
	return !d.Before(w.From) && !d.After(w.To)
}
