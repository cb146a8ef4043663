// Package window maintains the bounded, self-sliding set of protective
// orders trailing the current unit: stop-sells at or below it, stop-buys at
// or above it, capped at a fixed capacity.
package window

import (
	"fmt"
	"sort"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// Scheduler owns the window composition and decides which orders to place
// and cancel as price moves and fills arrive. It performs no I/O: every
// decision is returned as an OrderIntent for the scheduling loop to execute.
// It is exclusively owned by that loop and is not safe for concurrent use.
type Scheduler struct {
	capacity int

	sells []int // ascending, all <= currentUnit
	buys  []int // ascending, all >= currentUnit
	bound map[int]string // unit -> broker order id once placement confirms

	currentUnit int

	streakDir int // direction of the current run of unit changes
	streakLen int

	// Whipsaw guard. A fill remembers its implied direction; if the very
	// next unit change reverses back within one unit, replacement placement
	// pauses until the reversal confirms or resolves.
	paused       bool
	pauseDir     int
	held         []core.OrderIntent
	lastFillUnit int
	lastFillDir  int
	fillFresh    bool

	logger  core.ILogger
	alerter core.IAlerter
}

// NewScheduler creates a scheduler with the given order capacity.
func NewScheduler(capacity int, logger core.ILogger, alerter core.IAlerter) (*Scheduler, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	return &Scheduler{
		capacity: capacity,
		bound:    make(map[int]string),
		logger:   logger.WithField("component", "window_scheduler"),
		alerter:  alerter,
	}, nil
}

// Seed initializes an all-sell window trailing the current unit and returns
// the placement intents for it. Used at strategy start and on reset.
func (s *Scheduler) Seed(currentUnit int) []core.OrderIntent {
	s.sells = s.sells[:0]
	s.buys = s.buys[:0]
	s.bound = make(map[int]string)
	s.currentUnit = currentUnit
	s.paused = false
	s.held = nil
	s.fillFresh = false
	s.streakDir = 0
	s.streakLen = 0

	intents := make([]core.OrderIntent, 0, s.capacity)
	for u := currentUnit - s.capacity; u < currentUnit; u++ {
		s.sells = append(s.sells, u)
		intents = append(intents, core.OrderIntent{
			Kind:      core.IntentPlace,
			Unit:      u,
			Side:      core.SideSell,
			OrderKind: core.KindStopLossSell,
		})
	}
	s.checkInvariants()
	return intents
}

// OnUnitChange advances the window by exactly one committed unit step and
// returns the resulting intents. The scheduling loop decomposes multi-unit
// moves into single steps before calling this.
func (s *Scheduler) OnUnitChange(newUnit int) []core.OrderIntent {
	if newUnit == s.currentUnit {
		return nil
	}
	dir := 1
	if newUnit < s.currentUnit {
		dir = -1
	}
	s.currentUnit = newUnit

	if dir == s.streakDir {
		s.streakLen++
	} else {
		s.streakDir = dir
		s.streakLen = 1
	}

	var intents []core.OrderIntent

	if s.paused {
		switch {
		case dir == s.pauseDir && s.streakLen >= 2:
			// Reversal confirmed: release held replacements at current
			// levels.
			s.logger.Info("Whipsaw pause resolved, reversal confirmed", "unit", newUnit)
			intents = append(intents, s.releaseHeld()...)
			s.paused = false
		case dir == -s.pauseDir:
			s.logger.Info("Whipsaw pause resolved, direction restored", "unit", newUnit)
			intents = append(intents, s.releaseHeld()...)
			s.paused = false
		}
	} else if s.fillFresh && dir == -s.lastFillDir && abs(newUnit-s.lastFillUnit) <= 1 {
		s.logger.Warn("Whipsaw reversal detected, pausing replacements",
			"fill_unit", s.lastFillUnit, "unit", newUnit)
		s.paused = true
		s.pauseDir = dir
	}
	s.fillFresh = false

	if !s.paused {
		intents = append(intents, s.slide(dir)...)
	}

	s.checkInvariants()
	return intents
}

// OnFill removes the filled unit from the window and produces the
// replacement intent: a filled stop-sell at U becomes a stop-buy at
// current+1, a filled stop-buy becomes a stop-loss-sell at current-1.
func (s *Scheduler) OnFill(u int, side core.Side) []core.OrderIntent {
	if !s.remove(u, side) {
		s.logger.Warn("Fill for unit not in window", "unit", u, "side", side.String())
	}
	delete(s.bound, u)

	var repl core.OrderIntent
	if side == core.SideSell {
		repl = core.OrderIntent{
			Kind:      core.IntentPlace,
			Unit:      s.currentUnit + 1,
			Side:      core.SideBuy,
			OrderKind: core.KindStopBuy,
		}
		s.lastFillDir = -1 // a stop-sell fills on the way down
	} else {
		repl = core.OrderIntent{
			Kind:      core.IntentPlace,
			Unit:      s.currentUnit - 1,
			Side:      core.SideSell,
			OrderKind: core.KindStopLossSell,
		}
		s.lastFillDir = 1
	}
	s.lastFillUnit = u
	s.fillFresh = true

	if s.paused {
		s.held = append(s.held, repl)
		s.checkInvariants()
		return nil
	}

	intents := s.admit(repl)
	s.checkInvariants()
	return intents
}

// Bind associates a unit with its broker order id once placement confirms.
func (s *Scheduler) Bind(u int, orderID string) {
	s.bound[u] = orderID
}

// BoundOrder returns the broker order id bound to a unit, if any.
func (s *Scheduler) BoundOrder(u int) (string, bool) {
	id, ok := s.bound[u]
	return id, ok
}

// Sells returns a copy of the active sell units.
func (s *Scheduler) Sells() []int {
	return append([]int(nil), s.sells...)
}

// Buys returns a copy of the active buy units.
func (s *Scheduler) Buys() []int {
	return append([]int(nil), s.buys...)
}

// CurrentUnit returns the unit the window trails.
func (s *Scheduler) CurrentUnit() int {
	return s.currentUnit
}

// Paused reports whether the whipsaw guard is holding replacements.
func (s *Scheduler) Paused() bool {
	return s.paused
}

// Snapshot returns the persistable window state.
func (s *Scheduler) Snapshot() core.WindowSnapshot {
	return core.WindowSnapshot{
		Sells:       s.Sells(),
		Buys:        s.Buys(),
		CurrentUnit: s.currentUnit,
		Paused:      s.paused,
	}
}

// Restore rebuilds window state from a snapshot. Order-id bindings are
// re-established by the caller from the ledger.
func (s *Scheduler) Restore(snap core.WindowSnapshot) {
	s.sells = append(s.sells[:0], snap.Sells...)
	s.buys = append(s.buys[:0], snap.Buys...)
	sort.Ints(s.sells)
	sort.Ints(s.buys)
	s.currentUnit = snap.CurrentUnit
	s.paused = snap.Paused
	s.bound = make(map[int]string)
	s.checkInvariants()
}

// slide keeps an all-sell window trailing upward and an all-buy window
// trailing downward, evicting the furthest order when over capacity.
func (s *Scheduler) slide(dir int) []core.OrderIntent {
	var intents []core.OrderIntent

	if dir > 0 && len(s.buys) == 0 && len(s.sells) > 0 {
		target := s.currentUnit - 1
		if s.sells[len(s.sells)-1] < target {
			intents = append(intents, core.OrderIntent{
				Kind:      core.IntentPlace,
				Unit:      target,
				Side:      core.SideSell,
				OrderKind: core.KindStopLossSell,
			})
			s.insert(target, core.SideSell)
			if len(s.sells) > s.capacity {
				evicted := s.sells[0]
				s.sells = s.sells[1:]
				intents = append(intents, s.cancelIntent(evicted, core.SideSell))
			}
		}
	}

	if dir < 0 && len(s.sells) == 0 && len(s.buys) > 0 {
		target := s.currentUnit + 1
		if s.buys[0] > target {
			intents = append(intents, core.OrderIntent{
				Kind:      core.IntentPlace,
				Unit:      target,
				Side:      core.SideBuy,
				OrderKind: core.KindStopBuy,
			})
			s.insert(target, core.SideBuy)
			if len(s.buys) > s.capacity {
				evicted := s.buys[len(s.buys)-1]
				s.buys = s.buys[:len(s.buys)-1]
				intents = append(intents, s.cancelIntent(evicted, core.SideBuy))
			}
		}
	}

	return intents
}

// admit inserts a replacement intent's unit, refusing duplicates and budget
// overruns. A refused replacement is logged and left for the auditor.
func (s *Scheduler) admit(intent core.OrderIntent) []core.OrderIntent {
	if s.occupied(intent.Unit) {
		s.logger.Debug("Replacement unit already covered", "unit", intent.Unit)
		return nil
	}
	if len(s.sells)+len(s.buys) >= s.capacity {
		s.logger.Warn("Replacement refused, window at capacity", "unit", intent.Unit)
		return nil
	}
	s.insert(intent.Unit, intent.Side)
	return []core.OrderIntent{intent}
}

// releaseHeld re-prices held replacements at the current unit and admits
// whatever the budget allows. Held intents never count against the budget
// before release, so a pause cannot leak orders.
func (s *Scheduler) releaseHeld() []core.OrderIntent {
	var intents []core.OrderIntent
	for _, h := range s.held {
		if h.Side == core.SideBuy {
			h.Unit = s.currentUnit + 1
		} else {
			h.Unit = s.currentUnit - 1
		}
		intents = append(intents, s.admit(h)...)
	}
	s.held = nil
	return intents
}

func (s *Scheduler) cancelIntent(u int, side core.Side) core.OrderIntent {
	id := s.bound[u]
	delete(s.bound, u)
	if id == "" {
		s.logger.Warn("Evicting unit with unconfirmed placement", "unit", u)
	}
	return core.OrderIntent{
		Kind:    core.IntentCancel,
		Unit:    u,
		Side:    side,
		OrderID: id,
	}
}

func (s *Scheduler) occupied(u int) bool {
	return containsInt(s.sells, u) || containsInt(s.buys, u)
}

func (s *Scheduler) insert(u int, side core.Side) {
	if side == core.SideSell {
		s.sells = insertSorted(s.sells, u)
	} else {
		s.buys = insertSorted(s.buys, u)
	}
}

func (s *Scheduler) remove(u int, side core.Side) bool {
	if side == core.SideSell {
		var ok bool
		s.sells, ok = removeInt(s.sells, u)
		return ok
	}
	var ok bool
	s.buys, ok = removeInt(s.buys, u)
	return ok
}

// checkInvariants verifies the window invariants. A violation is a logic
// bug, not broker drift, and raises a loud consistency alarm.
func (s *Scheduler) checkInvariants() {
	var violations []string

	if len(s.sells)+len(s.buys) > s.capacity {
		violations = append(violations, fmt.Sprintf("window over capacity: %d sells + %d buys > %d",
			len(s.sells), len(s.buys), s.capacity))
	}
	for i := 1; i < len(s.sells); i++ {
		if s.sells[i] <= s.sells[i-1] {
			violations = append(violations, fmt.Sprintf("sells not strictly sorted at index %d", i))
		}
	}
	for i := 1; i < len(s.buys); i++ {
		if s.buys[i] <= s.buys[i-1] {
			violations = append(violations, fmt.Sprintf("buys not strictly sorted at index %d", i))
		}
	}
	for _, u := range s.sells {
		if u > s.currentUnit {
			violations = append(violations, fmt.Sprintf("sell unit %d ahead of current unit %d", u, s.currentUnit))
		}
		if containsInt(s.buys, u) {
			violations = append(violations, fmt.Sprintf("unit %d present on both sides", u))
		}
	}
	for _, u := range s.buys {
		if u < s.currentUnit {
			violations = append(violations, fmt.Sprintf("buy unit %d behind current unit %d", u, s.currentUnit))
		}
	}

	for _, v := range violations {
		s.logger.Error("Window invariant violated", "violation", v)
		if s.alerter != nil {
			s.alerter.Raise("window_scheduler", v, map[string]interface{}{
				"sells":        fmt.Sprintf("%v", s.sells),
				"buys":         fmt.Sprintf("%v", s.buys),
				"current_unit": s.currentUnit,
			})
		}
	}
}

func insertSorted(list []int, u int) []int {
	i := sort.SearchInts(list, u)
	if i < len(list) && list[i] == u {
		return list
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = u
	return list
}

func removeInt(list []int, u int) ([]int, bool) {
	i := sort.SearchInts(list, u)
	if i >= len(list) || list[i] != u {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

func containsInt(list []int, u int) bool {
	i := sort.SearchInts(list, u)
	return i < len(list) && list[i] == u
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
