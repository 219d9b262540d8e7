package sim

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"racekernel/agent"
	"racekernel/events"
	"racekernel/track"
)

func oneStraightOval(t *testing.T) *track.Track {
	t.Helper()
	segs := []track.Segment{
		{Kind: track.Straight, Length: 500, Radius: math.Inf(1), GripMultiplier: 1.0, IdealSpeed: 322 / 3.6},
		{Kind: track.LeftCorner, Length: math.Pi * 50, Radius: 50, GripMultiplier: 1.0, IdealSpeed: 24},
		{Kind: track.Straight, Length: 500, Radius: math.Inf(1), GripMultiplier: 1.0, IdealSpeed: 322 / 3.6},
		{Kind: track.LeftCorner, Length: math.Pi * 50, Radius: 50, GripMultiplier: 1.0, IdealSpeed: 24},
	}
	trk, err := track.New(segs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return trk
}

func silentLogger() zerolog.Logger {
	return zerolog.Nop()
}

func soloDescriptor() agent.Descriptor {
	return agent.Descriptor{Skill: 1, Aggression: 0, Consistency: 1, Wheelbase: 2.97, Mass: 920, AttackUsesTotal: 1}
}

func TestRace_AcceleratesTowardVMaxOnStraight(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 1
	rs, err := New(trk, []agent.Descriptor{soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var lastSpeed float64
	for i := 0; i < 800; i++ {
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		snap := rs.Snapshot()
		v := snap.Agents[0].Vector
		lastSpeed = math.Hypot(v[0], v[1])
	}

	if math.Abs(lastSpeed-cfg.Physics.MaxSpeed) > 2.0 {
		t.Fatalf("expected speed to approach v_max (%v) within 8s, got %v", cfg.Physics.MaxSpeed, lastSpeed)
	}
}

func TestRace_BatteryDepletesMonotonically(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 1
	rs, err := New(trk, []agent.Descriptor{soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prevEnergy := cfg.Physics.BatteryCapacity
	for i := 0; i < 500; i++ {
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		snap := rs.Snapshot()
		energy := snap.Agents[0].Vector[13]
		if energy > prevEnergy+1e-6 {
			t.Fatalf("tick %d: battery energy rose from %v to %v", i, prevEnergy, energy)
		}
		prevEnergy = energy
	}
}

func TestRace_ZeroLapsTerminatesImmediately(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 0
	descriptors := []agent.Descriptor{soloDescriptor(), soloDescriptor()}
	rs, err := New(trk, descriptors, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !rs.Finished() {
		t.Fatal("expected a zero-lap race to be finished immediately")
	}
	if err := rs.Tick(); err != nil {
		t.Fatalf("unexpected error ticking a finished race: %v", err)
	}
	snap := rs.Snapshot()
	if snap.StepIndex != 0 {
		t.Fatalf("expected no ticks to have run, got step_index=%d", snap.StepIndex)
	}
	for i, a := range snap.Agents {
		if a.Position != i+1 {
			t.Fatalf("expected standings to equal the starting grid, agent %d has position %d", i, a.Position)
		}
	}
}

func TestRace_PositionsArePermutation(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 1
	descriptors := []agent.Descriptor{
		{Skill: 0.9, Aggression: 0.5, Consistency: 0.8, Wheelbase: 2.97, Mass: 920},
		{Skill: 0.5, Aggression: 0.8, Consistency: 0.6, Wheelbase: 2.97, Mass: 920},
		{Skill: 0.7, Aggression: 0.3, Consistency: 0.9, Wheelbase: 2.97, Mass: 920},
	}
	rs, err := New(trk, descriptors, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 300; i++ {
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
	}
	snap := rs.Snapshot()
	seen := make(map[int]bool)
	for _, a := range snap.Agents {
		if a.Active {
			seen[a.Position] = true
		}
	}
	for pos := 1; pos <= len(seen); pos++ {
		if !seen[pos] {
			t.Fatalf("expected positions to be a permutation of 1..%d, missing %d", len(seen), pos)
		}
	}
}

func TestStandings_FieldStatsPopulateAfterFirstLap(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 5
	descriptors := []agent.Descriptor{
		{Skill: 0.9, Aggression: 0.5, Consistency: 0.8, Wheelbase: 2.97, Mass: 920},
		{Skill: 0.6, Aggression: 0.8, Consistency: 0.6, Wheelbase: 2.97, Mass: 920},
	}
	rs, err := New(trk, descriptors, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var standings StandingsSnapshot
	for i := 0; i < 4000 && !rs.Finished(); i++ {
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		snap := rs.Snapshot()
		if snap.Standings.MeanBestLapTime > 0 {
			standings = snap.Standings
			break
		}
	}
	if standings.MeanBestLapTime <= 0 {
		t.Fatal("expected mean best lap time to become positive once an agent completes a lap")
	}
	if standings.FieldSpreadS < 0 {
		t.Fatalf("expected a non-negative field spread, got %v", standings.FieldSpreadS)
	}
}

func TestRace_DeterministicAcrossRuns(t *testing.T) {
	descriptors := []agent.Descriptor{
		{Skill: 0.9, Aggression: 0.5, Consistency: 0.8, Wheelbase: 2.97, Mass: 920},
		{Skill: 0.5, Aggression: 0.8, Consistency: 0.6, Wheelbase: 2.97, Mass: 920},
	}

	runOnce := func() [][agent.VectorLen]float64 {
		trk := oneStraightOval(t)
		cfg := DefaultConfig()
		cfg.NumLaps = 1
		rs, err := New(trk, descriptors, cfg, silentLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var vectors [][agent.VectorLen]float64
		for i := 0; i < 200; i++ {
			if err := rs.Tick(); err != nil {
				t.Fatalf("tick %d: unexpected error: %v", i, err)
			}
			snap := rs.Snapshot()
			for _, a := range snap.Agents {
				vectors = append(vectors, a.Vector)
			}
		}
		return vectors
	}

	v1 := runOnce()
	v2 := runOnce()

	if len(v1) != len(v2) {
		t.Fatalf("expected identical vector counts across runs, got %d vs %d", len(v1), len(v2))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("tick-vector %d diverged between identical-seed runs: %v vs %v", i, v1[i], v2[i])
		}
	}
}

func TestInjectStartingGrid_RejectsAfterFirstTick(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 1
	rs, err := New(trk, []agent.Descriptor{soloDescriptor(), soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rs.Tick(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rs.InjectStartingGrid([]agent.ID{1, 0}); err == nil {
		t.Fatal("expected an error injecting a starting grid after the first tick")
	}
}

func TestInjectStartingGrid_RejectsNonPermutation(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 1
	rs, err := New(trk, []agent.Descriptor{soloDescriptor(), soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rs.InjectStartingGrid([]agent.ID{0, 0}); err == nil {
		t.Fatal("expected an error for a non-permutation starting grid")
	}
}

// forceCrossingSetup puts the two agents into a state that, absent the
// safety-car overtake suppression, satisfies EvaluateOvertakes' swap
// precondition for this tick: agent 0 enters the tick ranked worse
// (Position 2) but is close behind and far faster than agent 1, so it
// closes the gap and ends the tick ahead in total_distance.
func forceCrossingSetup(rs *RaceState) {
	rs.agents[0].Position = 2
	rs.agents[1].Position = 1
	rs.agents[0].TotalDistance = 99.99
	rs.agents[1].TotalDistance = 100.0
	rs.agents[0].LapDistance = 99.99
	rs.agents[1].LapDistance = 100.0
	rs.agents[0].Vx, rs.agents[0].Vy = 80, 0
	rs.agents[1].Vx, rs.agents[1].Vy = 0, 0
}

func containsOvertake(evs []events.Event) bool {
	for _, e := range evs {
		if e.Kind() == events.KindOvertake {
			return true
		}
	}
	return false
}

func TestTick_SafetyCarSuppressesOvertakes(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 100
	rs, err := New(trk, []agent.Descriptor{soloDescriptor(), soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs.safetyCarActive = true
	rs.safetyCarUntil = 1e9 // never withdraws during this test

	for i := 0; i < 20; i++ {
		forceCrossingSetup(rs)
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		if containsOvertake(rs.Snapshot().Events) {
			t.Fatalf("tick %d: expected no overtake events while the safety car is active", i)
		}
	}
}

func TestTick_LogsAnInfoLineOnDNF(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 100
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	rs, err := New(trk, []agent.Descriptor{soloDescriptor()}, cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs.agents[0].BatteryEnergy = 0

	if err := rs.Tick(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.agents[0].Active {
		t.Fatal("expected a zero-energy agent to DNF within one tick")
	}
	if !strings.Contains(buf.String(), "agent dnf") {
		t.Fatalf("expected a logged DNF line, got: %s", buf.String())
	}
}

func TestTick_AbortRollsBackAllAgentsAtomically(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 100
	descriptors := []agent.Descriptor{soloDescriptor(), soloDescriptor()}
	rs, err := New(trk, descriptors, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Let the race settle into ordinary motion first.
	for i := 0; i < 5; i++ {
		if err := rs.Tick(); err != nil {
			t.Fatalf("warmup tick %d: unexpected error: %v", i, err)
		}
	}

	preT, preStep := rs.t, rs.stepIndex
	preVectors := make([][agent.VectorLen]float64, len(rs.agents))
	for i, a := range rs.agents {
		preVectors[i] = a.ToVector()
	}

	// Corrupt the second agent in loop order so the first agent is
	// mutated successfully before the abort is detected.
	rs.agents[1].Vx = math.NaN()

	if err := rs.Tick(); err == nil {
		t.Fatal("expected a NumericalBlowup error from a NaN velocity")
	}

	if rs.t != preT {
		t.Fatalf("expected clock to roll back to %v, got %v", preT, rs.t)
	}
	if rs.stepIndex != preStep {
		t.Fatalf("expected step index to roll back to %v, got %v", preStep, rs.stepIndex)
	}
	for i, a := range rs.agents {
		if i == 1 {
			continue // deliberately still NaN: the caller corrupted it, not the kernel
		}
		if a.ToVector() != preVectors[i] {
			t.Fatalf("agent %d: expected rollback to undo its tick mutation, vector changed from %v to %v", i, preVectors[i], a.ToVector())
		}
	}
	if rs.buf.Len() != 0 {
		t.Fatalf("expected the event buffer to be reset after an aborted tick, got %d buffered events", rs.buf.Len())
	}
}

func TestTick_OvertakesFireWithoutSafetyCar(t *testing.T) {
	trk := oneStraightOval(t)
	cfg := DefaultConfig()
	cfg.NumLaps = 100
	cfg.SafetyCarEnabled = false
	rs, err := New(trk, []agent.Descriptor{soloDescriptor(), soloDescriptor()}, cfg, silentLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fired := false
	for i := 0; i < 300 && !fired; i++ {
		forceCrossingSetup(rs)
		if err := rs.Tick(); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		if containsOvertake(rs.Snapshot().Events) {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected at least one overtake event across 300 qualifying ticks without a safety car")
	}
}
