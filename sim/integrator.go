package sim

import (
	"math"

	"racekernel/agent"
	"racekernel/control"
	"racekernel/events"
	"racekernel/kerrors"
	"racekernel/physics"
	"racekernel/rng"
	"racekernel/track"
)

// AgentView is the read-only per-agent projection external collaborators
// observe through Snapshot (spec.md 4.9).
type AgentView struct {
	ID     agent.ID
	Vector [agent.VectorLen]float64
	Position int
	Active   bool
	DNFReason agent.DNFReason
}

// Snapshot is the consistent, between-ticks view race_snapshot()
// returns: the clock, every agent's vector, the leaderboard, and the
// batch of events fired since the previous call (spec.md 4.9, 6.4).
type Snapshot struct {
	T         float64
	StepIndex int64
	Agents    []AgentView
	Standings StandingsSnapshot
	Events    []events.Event
}

// Tick advances the race by exactly one dt (spec.md 4.7). It is the
// sole mutator of RaceState; callers must not invoke it concurrently
// with Snapshot or another Tick (spec.md 5).
func (rs *RaceState) Tick() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.finished {
		return nil
	}
	rs.started = true

	// Snapshot every agent and the tick-level bookkeeping. If any step
	// below aborts, rollback restores them to this point before
	// returning, so a failed tick commits no partial agent or clock
	// state (spec.md 4.7, 7). The RNG sub-streams are not rewound: draws
	// made before the abort stay consumed.
	preTick := rs.snapshotForRollback()
	rollback := func() {
		rs.restoreFromRollback(preTick)
		rs.buf.Reset()
	}

	rs.t += rs.cfg.DtSeconds
	rs.stepIndex++

	weatherGripMul := rs.weather.GripMultiplier
	if weatherGripMul == 0 {
		weatherGripMul = 1
	}

	prevPosition := make(map[agent.ID]int, len(rs.agents))
	for _, a := range rs.agents {
		prevPosition[a.ID] = a.Position
	}
	leaderLapBefore := rs.leaderLap()

	for _, a := range rs.agents {
		if !a.Active {
			continue
		}

		if err := checkFinite(a); err != nil {
			rs.logger.Debug().Int("agent_id", int(a.ID)).Err(err).Msg("tick aborted, rolling back")
			rollback()
			return err
		}

		seg, _ := rs.track.SegmentAt(a.LapDistance)
		sit := rs.situationFor(a, seg)
		stream := rs.rngSvc.Agent(int(a.ID))

		out := control.Decide(a, rs.track, rs.cfg.Control, rs.weather, sit, rs.cfg.Physics.BatteryCapacity, stream)

		ctl := physics.Controls{Throttle: out.Throttle, Brake: out.Brake, Steering: out.Steering}
		result := physics.Step(a, rs.cfg.Physics, rs.track, ctl, rs.cfg.DtSeconds, weatherGripMul, rs.t, stream)

		if err := checkFinite(a); err != nil {
			rs.logger.Debug().Int("agent_id", int(a.ID)).Err(err).Msg("tick aborted, rolling back")
			rollback()
			return err
		}

		if result.LapCompleted {
			a.LastLapTime = result.LapTime
			if a.BestLapTime == 0 || result.LapTime < a.BestLapTime {
				a.BestLapTime = result.LapTime
			}
			rs.buf.Append(events.LapComplete{T: rs.t, Agent: a.ID, Lap: a.CurrentLap, LapTime: result.LapTime})
		}
		if result.AttackExpired {
			rs.buf.Append(events.AttackExpire{T: rs.t, Agent: a.ID})
		}
		if result.WentInactive {
			rs.history.crashesThisLap++ // energy DNF counted alongside crashes for SC-rate purposes; see DESIGN.md
			rs.logger.Info().Int("agent_id", int(a.ID)).Str("reason", string(a.DNFReason)).Msg("agent dnf")
		}

		if out.RequestAttack && rs.track.InAttackZone(a.LapDistance) {
			a.AttackActive = true
			a.AttackRemaining = rs.cfg.Control.AttackRemainingS
			a.AttackUsesLeft--
			rs.buf.Append(events.AttackActivate{T: rs.t, Agent: a.ID, Remaining: a.AttackRemaining})
		}
	}

	if rs.leaderLap() > leaderLapBefore {
		rs.history.onLapAdvance()
	}

	recomputePositions(rs.agents)

	if !rs.safetyCarActive {
		// spec.md 4.6: no overtakes are admitted while the safety car is active.
		events.EvaluateOvertakes(rs.t, rs.agents, rs.track, prevPosition, rs.rngSvc.Global(rng.StreamOvertake), &rs.buf)
	}

	activeBefore := make(map[agent.ID]bool, len(rs.agents))
	for _, a := range rs.agents {
		activeBefore[a.ID] = a.Active
	}

	beforeCrashes := rs.buf.Len()
	events.EvaluateCrashes(rs.t, rs.agents, rs.cfg.Physics.MaxSpeed, rs.cfg.Physics.BatteryCapacity, rs.track.TotalLength(), rs.rngSvc.Global(rng.StreamCrash), &rs.buf)
	rs.history.crashesThisLap += rs.buf.Len() - beforeCrashes
	rs.logNewDNFs(activeBefore)

	rs.runSafetyCar()

	if rs.cfg.MechanicalFailures {
		events.EvaluateMechanicalFailures(rs.t, rs.t, rs.agents, rs.cfg.Mechanical, rs.cfg.DtSeconds, rs.rngSvc.Global(rng.StreamMechanical), &rs.buf)
		rs.logNewDNFs(activeBefore)
	}

	recomputePositions(rs.agents)

	if err := checkInvariants(rs.track, rs.agents); err != nil {
		rs.logger.Debug().Err(err).Msg("tick aborted, rolling back")
		rollback()
		return err
	}

	drained := rs.buf.Drain()
	rs.ledger.Record(rs.stepIndex, drained)
	rs.pending = append(rs.pending, drained...)

	if rs.leaderLap() >= rs.cfg.NumLaps && rs.cfg.NumLaps > 0 {
		rs.finished = true
	}
	if rs.activeCount() == 0 {
		rs.finished = true
	}
	if rs.stepIndex >= int64(rs.cfg.MaxTicks) {
		rs.finished = true
	}

	return nil
}

// situationFor derives the race-relative facts the controller needs
// for one agent from the current standings (spec.md 4.5).
func (rs *RaceState) situationFor(a *agent.State, seg track.Segment) control.Situation {
	var gapAhead, gapLeader = math.Inf(1), 0.0
	var leader *agent.State
	var ahead *agent.State
	for _, other := range rs.agents {
		if !other.Active {
			continue
		}
		if leader == nil || other.Position < leader.Position {
			leader = other
		}
		if other.Position == a.Position-1 {
			ahead = other
		}
	}
	if leader != nil && leader.ID != a.ID {
		gapLeader = gapSeconds(leader.TotalDistance-a.TotalDistance, a)
	}
	if ahead != nil {
		gapAhead = gapSeconds(ahead.TotalDistance-a.TotalDistance, a)
	}

	lapsRemaining := rs.cfg.NumLaps - a.CurrentLap
	raceFractionLeft := 1.0
	if rs.cfg.NumLaps > 0 {
		raceFractionLeft = float64(lapsRemaining) / float64(rs.cfg.NumLaps)
	}

	return control.Situation{
		Position:         a.Position,
		IsLeader:         leader != nil && leader.ID == a.ID,
		GapToAheadS:      gapAhead,
		GapToLeaderS:     gapLeader,
		RaceFractionLeft: raceFractionLeft,
		LapsRemaining:    lapsRemaining,
		SafetyCarActive:  rs.safetyCarActive,
		SafetyCarSpeed:   rs.cfg.SafetyCarSpeedMps(),
		OnStraight:       seg.Kind == track.Straight,
	}
}

// logNewDNFs logs an info line (SPEC_FULL.md 3.2) for every agent that
// has gone inactive since the last snapshot in activeBefore, then marks
// it handled so a later call in the same tick does not log it again.
func (rs *RaceState) logNewDNFs(activeBefore map[agent.ID]bool) {
	for _, a := range rs.agents {
		if activeBefore[a.ID] && !a.Active {
			rs.logger.Info().Int("agent_id", int(a.ID)).Str("reason", string(a.DNFReason)).Msg("agent dnf")
			activeBefore[a.ID] = false
		}
	}
}

// runSafetyCar evaluates deploy/withdraw transitions (spec.md 4.6).
func (rs *RaceState) runSafetyCar() {
	if !rs.cfg.SafetyCarEnabled {
		return
	}
	stream := rs.rngSvc.Global(rng.StreamSafetyCar)

	if rs.safetyCarActive {
		if events.EvaluateSafetyCarWithdraw(rs.t, rs.safetyCarUntil, &rs.buf) {
			rs.safetyCarActive = false
			rs.logger.Warn().Float64("t", rs.t).Msg("safety car withdrawn")
		}
		return
	}

	leaderLap := rs.leaderLap()
	if leaderLap < 1 {
		return
	}
	if rs.history.everDeployed && leaderLap-rs.history.lastDeployLap < rs.cfg.SafetyCarCooldownLaps {
		return
	}

	if events.EvaluateSafetyCarDeploy(rs.t, rs.history.crashesLast2Laps(), rs.cfg.DtSeconds, rs.cfg.LapTimeNominalSecs, stream, &rs.buf) {
		rs.safetyCarActive = true
		rs.safetyCarUntil = rs.t + rs.cfg.SafetyCarWindowSecs
		rs.history.everDeployed = true
		rs.history.lastDeployLap = leaderLap
		rs.logger.Warn().Float64("t", rs.t).Int("lap", leaderLap).Msg("safety car deployed")
	}
}

// checkFinite aborts the tick with NumericalBlowup if any physical
// field went non-finite (spec.md 4.7: failure semantics).
func checkFinite(a *agent.State) error {
	fields := []float64{a.Vx, a.Vy, a.X, a.Y, a.LapDistance, a.TotalDistance, a.BatteryEnergy, a.TireWear, a.TireTemperature, a.BatteryTemperature}
	for _, f := range fields {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return kerrors.New(kerrors.KindNumericalBlowup, "non-finite value produced during tick", nil).
				WithContext("agent_id", int(a.ID))
		}
	}
	return nil
}

// Snapshot returns a consistent, drained view of the race (spec.md
// 4.9). Must not be called concurrently with Tick.
func (rs *RaceState) Snapshot() Snapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	views := make([]AgentView, len(rs.agents))
	for i, a := range rs.agents {
		views[i] = AgentView{ID: a.ID, Vector: a.ToVector(), Position: a.Position, Active: a.Active, DNFReason: a.DNFReason}
	}

	limits := physicsLimits{maxSpeed: rs.cfg.Physics.MaxSpeed, maxLongAcc: rs.cfg.Physics.MaxBrakeDecel, batteryCapacity: rs.cfg.Physics.BatteryCapacity}
	standings := buildStandings(rs.agents, limits)

	drained := rs.pending
	rs.pending = nil

	return Snapshot{T: rs.t, StepIndex: rs.stepIndex, Agents: views, Standings: standings, Events: drained}
}

// Finished reports whether the race has reached a termination
// condition (spec.md 4.7 step 6).
func (rs *RaceState) Finished() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.finished
}
