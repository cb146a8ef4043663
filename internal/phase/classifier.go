// Package phase derives the strategy phase from window composition.
package phase

import (
	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// Classify returns the phase implied by the window composition and the
// immediately preceding phase. It is a pure function: identical inputs always
// produce identical outputs.
//
//	all-sell            -> Advance
//	all-buy             -> Decline
//	mixed, prev rising  -> Retracement
//	mixed, prev falling -> Recovery
//
// An empty window carries the previous phase forward; it occurs only
// transiently between a fill and its replacement placement.
func Classify(sells, buys int, prev core.Phase) core.Phase {
	switch {
	case sells > 0 && buys == 0:
		return core.PhaseAdvance
	case buys > 0 && sells == 0:
		return core.PhaseDecline
	case sells == 0 && buys == 0:
		return prev
	}

	switch prev {
	case core.PhaseAdvance, core.PhaseRetracement:
		return core.PhaseRetracement
	case core.PhaseDecline, core.PhaseRecovery:
		return core.PhaseRecovery
	default:
		// Reset reseeds to Advance before classification normally runs;
		// reaching a mixed window from Reset means the retracement just began.
		return core.PhaseRetracement
	}
}

// IsReset reports whether the transition from prev to next is the one-shot
// Reset condition: the window returned to all-sell out of a mixed phase.
// Reset is an event, not a steady state; after it fires the classifier is
// reseeded to Advance.
func IsReset(prev, next core.Phase) bool {
	return next == core.PhaseAdvance &&
		(prev == core.PhaseRetracement || prev == core.PhaseRecovery)
}
