package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
)

// Progress is a snapshot of a running session.
type Progress struct {
	State State

	Sites          int
	ProfilesDone   int
	ProfilesFailed int

	PairsTotal   int
	PairsChecked int
	Visible      int

	StartedAt time.Time
	Elapsed   time.Duration
}

// Fraction is the share of pairs checked, 0 before the pair phase starts.
func (p Progress) Fraction() float64 {
	if p.PairsTotal == 0 {
		return 0
	}
	return float64(p.PairsChecked) / float64(p.PairsTotal)
}

// ETA extrapolates the remaining pair phase time from the elapsed time.
// It is zero until at least one pair has been checked.
func (p Progress) ETA() time.Duration {
	if p.PairsChecked == 0 || p.PairsTotal <= p.PairsChecked {
		return 0
	}
	per := p.Elapsed / time.Duration(p.PairsChecked)
	return per * time.Duration(p.PairsTotal-p.PairsChecked)
}

// String renders the snapshot as a one-line status.
func (p Progress) String() string {
	switch p.State {
	case StateProfilePhase:
		return fmt.Sprintf("profiles %d/%d (%d failed)", p.ProfilesDone+p.ProfilesFailed, p.Sites, p.ProfilesFailed)
	case StateIdle:
		return "idle"
	}
	s := fmt.Sprintf("pairs %d/%d (%.1f%%), %d visible", p.PairsChecked, p.PairsTotal, 100*p.Fraction(), p.Visible)
	if eta := p.ETA(); eta > 0 && !p.State.Terminal() {
		s += fmt.Sprintf(", ETA %s", eta.Round(time.Second))
	}
	if p.State == StatePaused || p.State.Terminal() {
		s += " [" + p.State.String() + "]"
	}
	return s
}

// ProgressReporter is a fire-and-forget status sink. Implementations must
// not block.
type ProgressReporter interface {
	Report(ctx context.Context, text string)
}

// ReporterFunc adapts a function to ProgressReporter.
type ReporterFunc func(ctx context.Context, text string)

func (f ReporterFunc) Report(ctx context.Context, text string) { f(ctx, text) }

// LogReporter writes progress lines through a logger at Info.
type LogReporter struct {
	Log logging.Logger
}

func (r LogReporter) Report(ctx context.Context, text string) {
	logging.OrNoop(r.Log).Info(ctx, "progress", logging.String("status", text))
}
