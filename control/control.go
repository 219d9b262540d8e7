// Package control synthesizes per-tick driver inputs: target speed,
// steering, throttle/brake, and the attack-mode request, as a pure
// function of one agent's state, the track, and the race situation
// around it (spec.md 4.5).
package control

import (
	"math"

	"racekernel/agent"
	"racekernel/rng"
	"racekernel/track"
)

// Weather is the read-only environment view consumed each tick. It
// composes multiplicatively with segment grip and depresses target
// speed via RainIntensity (spec.md 6.5).
type Weather struct {
	Temperature    float64
	Humidity       float64
	RainIntensity  float64 // 0-1
	WindSpeed      float64
	WindDir        float64
	TrackWetness   float64
	GripMultiplier float64
}

// Situation carries the race-relative facts the controller needs that
// it cannot derive from the agent's own state: standings context,
// safety-car state, and race progress.
type Situation struct {
	Position        int
	IsLeader        bool
	GapToAheadS     float64 // seconds, +Inf if no car ahead
	GapToLeaderS    float64
	RaceFractionLeft float64 // 1.0 at race start, 0.0 at finish
	LapsRemaining   int
	SafetyCarActive bool
	SafetyCarSpeed  float64 // m/s, enforced ceiling while active
	OnStraight      bool    // current segment kind, for the attack-mode "close battle" predicate
}

// Params groups the controller's tunable gains (spec.md 6.2: "controller
// gains" section of the single Config record).
type Params struct {
	LookaheadSeconds float64
	DeadbandMps      float64
	AttackRemainingS float64
	AttackChancePerTick float64
}

// DefaultParams returns the gains named in spec.md 4.5.
func DefaultParams() Params {
	return Params{
		LookaheadSeconds:    2.0,
		DeadbandMps:         1.0,
		AttackRemainingS:    240.0,
		AttackChancePerTick: 0.05,
	}
}

// Output is the driver-model command for one tick.
type Output struct {
	Throttle      float64
	Brake         float64
	Steering      float64
	RequestAttack bool
}

// Decide computes one tick's controls. It reads agent/track/situation
// state but never mutates them; the integrator is the sole mutator of
// agent state (spec.md 4.2). batteryCapacity is the vehicle's rated
// energy capacity (physics.Params.BatteryCapacity), needed to turn
// BatteryEnergy into the E_pct the resource-conservation and
// attack-eligibility rules key off.
func Decide(st *agent.State, trk *track.Track, p Params, weather Weather, sit Situation, batteryCapacity float64, stream *rng.Stream) Output {
	speed := math.Hypot(st.Vx, st.Vy)
	desc := st.Descriptor

	target := targetSpeed(st, trk, p, weather, sit, batteryCapacity, speed)

	steering := steeringAngle(st, trk, p, speed, stream)

	throttle, brake := throttleBrake(speed, target, steering != 0 && inCornerOrLookahead(st, trk, p, speed), desc.Aggression, p.DeadbandMps)

	// Control noise, then re-clamp (spec.md 4.5 final step).
	noiseScale := 1 - desc.Consistency
	throttle = clamp01(throttle + stream.Gauss(0, 0.02*noiseScale))
	brake = clamp01(brake + stream.Gauss(0, 0.02*noiseScale))
	steering = clampf(steering+stream.Gauss(0, 0.005*noiseScale), -0.52, 0.52)

	requestAttack := attackPolicy(st, sit, p, batteryCapacity, stream)

	return Output{Throttle: throttle, Brake: brake, Steering: steering, RequestAttack: requestAttack}
}

// targetSpeed runs the rate-limited synthesis pipeline of spec.md 4.5:
// baseline, lookahead, skill/aggression scaling, race-situation
// adjustment, resource conservation, weather.
func targetSpeed(st *agent.State, trk *track.Track, p Params, weather Weather, sit Situation, batteryCapacity, speed float64) float64 {
	seg, _ := trk.SegmentAt(st.LapDistance)
	target := seg.IdealSpeed

	lookaheadS := st.LapDistance + speed*p.LookaheadSeconds
	aheadSeg, _ := trk.SegmentAt(lookaheadS)
	if aheadSeg.IdealSpeed < target {
		target = aheadSeg.IdealSpeed
	}

	desc := st.Descriptor
	target *= 0.95 + 0.10*desc.Skill
	target *= 0.92 + 0.06*desc.Aggression

	if !sit.IsLeader && sit.GapToAheadS < 1.5 {
		target *= 1.05
	} else if sit.IsLeader && sit.GapToLeaderS > 5 {
		target *= 0.95
	}

	ePct := 100 * st.BatteryEnergy / batteryCapacityOrOne(batteryCapacity)
	if ePct < 15 {
		target *= 0.92
	} else if ePct < 30 {
		target *= 0.95
	}
	if st.TireWear > 0.7 {
		target *= 0.95
	}

	target *= 1 - 0.2*weather.RainIntensity

	if sit.SafetyCarActive && target > sit.SafetyCarSpeed {
		target = sit.SafetyCarSpeed
	}

	return target
}

// batteryCapacityOrOne guards against a zero-capacity config; physics
// always constructs a positive BatteryCapacity, so this only protects
// against a malformed test fixture.
func batteryCapacityOrOne(batteryCapacity float64) float64 {
	if batteryCapacity <= 0 {
		return 1
	}
	return batteryCapacity
}

func inCornerOrLookahead(st *agent.State, trk *track.Track, p Params, speed float64) bool {
	seg, _ := trk.SegmentAt(st.LapDistance)
	if seg.Kind != track.Straight {
		return true
	}
	aheadSeg, _ := trk.SegmentAt(st.LapDistance + speed*p.LookaheadSeconds)
	return aheadSeg.Kind != track.Straight
}

// steeringAngle implements spec.md 4.5's steering synthesis: near-zero
// noise on straights, a geometric lookahead angle in corners (with the
// chicane sign alternation), perturbed by skill-scaled noise.
func steeringAngle(st *agent.State, trk *track.Track, p Params, speed float64, stream *rng.Stream) float64 {
	seg, local := trk.SegmentAt(st.LapDistance)
	desc := st.Descriptor

	lookaheadSeg, lookaheadLocal := trk.SegmentAt(st.LapDistance + speed*p.LookaheadSeconds)
	activeSeg, activeLocal := seg, local
	if seg.Kind == track.Straight && lookaheadSeg.Kind != track.Straight {
		activeSeg, activeLocal = lookaheadSeg, lookaheadLocal
	}

	if activeSeg.Kind == track.Straight {
		return stream.Gauss(0, (1-desc.Consistency)*0.01)
	}

	wheelbase := desc.Wheelbase
	var base float64
	switch activeSeg.Kind {
	case track.LeftCorner:
		base = math.Atan(wheelbase / activeSeg.Radius)
	case track.RightCorner:
		base = -math.Atan(wheelbase / activeSeg.Radius)
	case track.Chicane:
		sign := math.Sin(activeLocal / 10)
		base = sign * math.Atan(wheelbase/activeSeg.Radius)
	}
	base += stream.Gauss(0, (1-desc.Skill)*0.03)
	return clampf(base, -0.52, 0.52)
}

// throttleBrake is the proportional throttle/brake law of spec.md 4.5,
// with the deadband epsilon and the corner/straight brake split.
func throttleBrake(speed, target float64, inCorner bool, aggression, deadband float64) (throttle, brake float64) {
	dv := target - speed

	switch {
	case dv > deadband:
		throttle = math.Min(dv/15, 1) * (0.7 + 0.3*aggression)
		if inCorner {
			throttle *= 0.5
		}
		brake = 0
	case dv < -deadband:
		throttle = 0
		absDv := -dv
		switch {
		case inCorner && absDv > 20:
			brake = 1
		case inCorner:
			brake = math.Min(absDv/30, 1)
		default:
			brake = math.Min(absDv/50, 1)
		}
	default:
		throttle = 0.3
		brake = 0
	}
	return clamp01(throttle), clamp01(brake)
}

// attackPolicy evaluates spec.md 4.5's eligibility predicate (at least
// two of four conditions) and rolls the 5%-per-tick activation chance.
func attackPolicy(st *agent.State, sit Situation, p Params, batteryCapacity float64, stream *rng.Stream) bool {
	if st.AttackUsesLeft <= 0 || st.AttackActive {
		return false
	}
	ePct := 100 * st.BatteryEnergy / batteryCapacityOrOne(batteryCapacity)
	if ePct < 40 {
		return false
	}

	conditions := 0
	if sit.RaceFractionLeft <= 0.30 {
		conditions++
	}
	closeBattleOnStraight := sit.OnStraight && math.Abs(sit.GapToAheadS) < 2
	if closeBattleOnStraight {
		conditions++
	}
	if sit.Position >= 2 && sit.Position <= 6 && closeBattleOnStraight {
		conditions++
	}
	if ePct > 60 && sit.LapsRemaining <= 3 {
		conditions++
	}

	if conditions < 2 {
		return false
	}
	return stream.Bernoulli(p.AttackChancePerTick)
}

func clamp01(x float64) float64 { return clampf(x, 0, 1) }

func clampf(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
