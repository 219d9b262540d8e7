package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"racekernel/agent"
	"racekernel/control"
	"racekernel/events"
	"racekernel/kerrors"
	"racekernel/rng"
	"racekernel/track"
)

// safetyCarHistory is the race-level bookkeeping the event engine's
// pure safety-car functions need but do not own themselves (spec.md
// 4.6: "not within 5 laps of the previous SC", "crashes in the last 2
// laps").
type safetyCarHistory struct {
	lastDeployLap    int
	everDeployed     bool
	crashesThisLap   int
	crashesPrevLap   int
}

func (h *safetyCarHistory) crashesLast2Laps() int {
	return h.crashesThisLap + h.crashesPrevLap
}

func (h *safetyCarHistory) onLapAdvance() {
	h.crashesPrevLap = h.crashesThisLap
	h.crashesThisLap = 0
}

// RaceState (C3) is the ordered collection of agents plus the global
// clock, lap counter, and safety-car flag. It is owned exclusively by
// the Integrator's per-tick sequence; external callers only observe it
// through Snapshot, which a caller must never invoke concurrently with
// Tick (spec.md 5: one shared mutex guards the race for the duration
// of each tick).
type RaceState struct {
	mu sync.Mutex

	track  *track.Track
	agents []*agent.State
	cfg    Config
	rngSvc *rng.Service
	logger zerolog.Logger

	t              float64
	stepIndex      int64
	safetyCarActive bool
	safetyCarUntil float64
	history        safetyCarHistory

	weather   control.Weather
	buf       events.Buffer
	pending   []events.Event
	ledger    ReplayLedger
	started   bool
	finished  bool
}

// New constructs a race over the given track and agent descriptors.
// Agents are assigned ids 0..N-1 in slice order and start at the grid
// positions implied by that order; call InjectStartingGrid before the
// first Tick to override it.
func New(trk *track.Track, descriptors []agent.Descriptor, cfg Config, logger zerolog.Logger) (*RaceState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, kerrors.New(kerrors.KindBadConfig, "invalid configuration", err)
	}
	if len(descriptors) == 0 {
		return nil, kerrors.New(kerrors.KindBadConfig, "race requires at least one agent", nil)
	}

	agents := make([]*agent.State, len(descriptors))
	for i, d := range descriptors {
		st := agent.New(agent.ID(i), d, cfg.Physics.BatteryCapacity)
		st.Position = i + 1
		agents[i] = st
	}

	rs := &RaceState{
		track:  trk,
		agents: agents,
		cfg:    cfg,
		rngSvc: rng.NewService(cfg.Seed, len(agents)),
		logger: logger.With().Str("component", "race").Logger(),
		weather: control.Weather{GripMultiplier: 1},
		ledger:  NewNullLedger(),
	}
	if cfg.NumLaps == 0 {
		// spec.md 8 (B4): a zero-lap race terminates immediately, final
		// standings equal to the starting grid.
		rs.finished = true
	}
	return rs, nil
}

// SetReplayLedger installs a ledger the integrator appends fired-event
// tick indices to (spec.md 6.6). Must be called before the first Tick.
func (rs *RaceState) SetReplayLedger(l ReplayLedger) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ledger = l
}

// InjectStartingGrid reorders initial positions to the given agent id
// permutation and spaces agents longitudinally by a small epsilon on
// lap_distance to preserve the ordering invariant (spec.md 4.9).
// Permitted only before the first tick.
func (rs *RaceState) InjectStartingGrid(order []agent.ID) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.started {
		return kerrors.New(kerrors.KindBadGrid, "starting grid can only be injected before the first tick", nil)
	}
	if len(order) != len(rs.agents) {
		return kerrors.New(kerrors.KindBadGrid, "starting grid size does not match agent count", nil).
			WithContext("grid_size", len(order)).WithContext("agent_count", len(rs.agents))
	}
	seen := make(map[agent.ID]bool, len(order))
	byID := make(map[agent.ID]*agent.State, len(rs.agents))
	for _, a := range rs.agents {
		byID[a.ID] = a
	}
	for _, id := range order {
		if seen[id] || byID[id] == nil {
			return kerrors.New(kerrors.KindBadGrid, "starting grid is not a permutation of agent ids", nil).
				WithContext("agent_id", int(id))
		}
		seen[id] = true
	}

	const gridSpacing = 0.05 // m, small epsilon preserving strict lap_distance ordering
	for i, id := range order {
		a := byID[id]
		a.Position = i + 1
		a.LapDistance = rs.track.TotalLength() - float64(i+1)*gridSpacing
		if a.LapDistance < 0 {
			a.LapDistance = 0
		}
		a.TotalDistance = a.LapDistance
	}
	return nil
}

// SetWeather atomically swaps the weather view; it takes effect from
// the next tick (spec.md 6.5).
func (rs *RaceState) SetWeather(w control.Weather) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.weather = w
}

// recomputePositions stable-sorts agents by (current_lap desc,
// lap_distance desc) and assigns ranks 1..K to active agents; inactive
// agents retain their last rank (spec.md 4.7 step 3).
func recomputePositions(agents []*agent.State) {
	active := make([]*agent.State, 0, len(agents))
	for _, a := range agents {
		if a.Active {
			active = append(active, a)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].CurrentLap != active[j].CurrentLap {
			return active[i].CurrentLap > active[j].CurrentLap
		}
		return active[i].LapDistance > active[j].LapDistance
	})
	for i, a := range active {
		a.Position = i + 1
	}
}

// checkInvariants validates a debug-only subset of spec.md 3's
// invariants; violations surface as InvariantViolation rather than
// being silently corrected.
func checkInvariants(trk *track.Track, agents []*agent.State) error {
	seen := make(map[int]bool)
	activeCount := 0
	for _, a := range agents {
		if !a.Active {
			continue
		}
		activeCount++
		if a.LapDistance < 0 || a.LapDistance >= trk.TotalLength() {
			return kerrors.New(kerrors.KindInvariantViolation, "lap_distance out of [0, total_length)", nil).
				WithContext("agent_id", int(a.ID)).WithContext("lap_distance", a.LapDistance)
		}
		if a.BatteryEnergy < 0 {
			return kerrors.New(kerrors.KindInvariantViolation, "battery_energy negative", nil).
				WithContext("agent_id", int(a.ID))
		}
		if a.TireWear < 0 || a.TireWear > 1 {
			return kerrors.New(kerrors.KindInvariantViolation, "tire_wear out of [0,1]", nil).
				WithContext("agent_id", int(a.ID)).WithContext("tire_wear", a.TireWear)
		}
		if seen[a.Position] {
			return kerrors.New(kerrors.KindInvariantViolation, "duplicate position among active agents", nil).
				WithContext("position", a.Position)
		}
		seen[a.Position] = true
	}
	for pos := 1; pos <= activeCount; pos++ {
		if !seen[pos] {
			return kerrors.New(kerrors.KindInvariantViolation, "positions are not a permutation of 1..K", nil).
				WithContext("missing_position", pos)
		}
	}
	return nil
}

// rollbackSnapshot holds the agents, clock and safety-car bookkeeping
// one Tick call can mutate, captured before the tick's first mutation
// so an aborted tick can undo them (spec.md 4.7, 7: "no partial state
// is committed"). It does not capture RNG sub-stream positions.
type rollbackSnapshot struct {
	agents          []agent.State
	t               float64
	stepIndex       int64
	safetyCarActive bool
	safetyCarUntil  float64
	history         safetyCarHistory
}

func (rs *RaceState) snapshotForRollback() rollbackSnapshot {
	agents := make([]agent.State, len(rs.agents))
	for i, a := range rs.agents {
		agents[i] = *a
	}
	return rollbackSnapshot{
		agents:          agents,
		t:               rs.t,
		stepIndex:       rs.stepIndex,
		safetyCarActive: rs.safetyCarActive,
		safetyCarUntil:  rs.safetyCarUntil,
		history:         rs.history,
	}
}

func (rs *RaceState) restoreFromRollback(snap rollbackSnapshot) {
	for i, a := range rs.agents {
		*a = snap.agents[i]
	}
	rs.t = snap.t
	rs.stepIndex = snap.stepIndex
	rs.safetyCarActive = snap.safetyCarActive
	rs.safetyCarUntil = snap.safetyCarUntil
	rs.history = snap.history
}

func (rs *RaceState) activeCount() int {
	n := 0
	for _, a := range rs.agents {
		if a.Active {
			n++
		}
	}
	return n
}

func (rs *RaceState) leaderLap() int {
	best := 0
	for _, a := range rs.agents {
		if a.CurrentLap > best {
			best = a.CurrentLap
		}
	}
	return best
}

// String renders a short debug summary, used in logging only.
func (rs *RaceState) String() string {
	return fmt.Sprintf("RaceState{t=%.2f step=%d agents=%d}", rs.t, rs.stepIndex, len(rs.agents))
}
