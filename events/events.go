// Package events implements the stochastic event models (overtakes,
// crashes, safety car, mechanical failures) evaluated once per tick
// after physics and positions are settled, plus the append-only,
// totally ordered event stream they populate (spec.md 4.6).
package events

import (
	"math"
	"sort"

	"racekernel/agent"
	"racekernel/rng"
	"racekernel/track"
)

// Kind tags an event's variant and doubles as its ordering rank
// (spec.md 5: "Events are totally ordered by (t, kind_rank, subject_id)").
type Kind int

const (
	KindLapComplete Kind = iota
	KindOvertake
	KindCrash
	KindSafetyCarDeploy
	KindSafetyCarWithdraw
	KindAttackActivate
	KindAttackExpire
	KindMechanicalFailure
)

// Event is the common interface satisfied by every tagged variant
// below. The event engine never constructs a bare struct literal
// outside this package; every variant's fields are immutable once
// recorded.
type Event interface {
	Kind() Kind
	Time() float64
	Subject() agent.ID
}

type LapComplete struct {
	T       float64
	Agent   agent.ID
	Lap     int
	LapTime float64
}

func (e LapComplete) Kind() Kind        { return KindLapComplete }
func (e LapComplete) Time() float64     { return e.T }
func (e LapComplete) Subject() agent.ID { return e.Agent }

type Overtake struct {
	T        float64
	Attacker agent.ID
	Defender agent.ID
	AtS      float64
}

func (e Overtake) Kind() Kind        { return KindOvertake }
func (e Overtake) Time() float64     { return e.T }
func (e Overtake) Subject() agent.ID { return e.Attacker }

type Crash struct {
	T     float64
	Agent agent.ID
	Risk  float64
}

func (e Crash) Kind() Kind        { return KindCrash }
func (e Crash) Time() float64     { return e.T }
func (e Crash) Subject() agent.ID { return e.Agent }

type SafetyCarDeploy struct {
	T      float64
	Reason string
}

func (e SafetyCarDeploy) Kind() Kind        { return KindSafetyCarDeploy }
func (e SafetyCarDeploy) Time() float64     { return e.T }
func (e SafetyCarDeploy) Subject() agent.ID { return 0 }

type SafetyCarWithdraw struct {
	T float64
}

func (e SafetyCarWithdraw) Kind() Kind        { return KindSafetyCarWithdraw }
func (e SafetyCarWithdraw) Time() float64     { return e.T }
func (e SafetyCarWithdraw) Subject() agent.ID { return 0 }

type AttackActivate struct {
	T         float64
	Agent     agent.ID
	Remaining float64
}

func (e AttackActivate) Kind() Kind        { return KindAttackActivate }
func (e AttackActivate) Time() float64     { return e.T }
func (e AttackActivate) Subject() agent.ID { return e.Agent }

type AttackExpire struct {
	T     float64
	Agent agent.ID
}

func (e AttackExpire) Kind() Kind        { return KindAttackExpire }
func (e AttackExpire) Time() float64     { return e.T }
func (e AttackExpire) Subject() agent.ID { return e.Agent }

type MechanicalFailure struct {
	T     float64
	Agent agent.ID
	Cause string
}

func (e MechanicalFailure) Kind() Kind        { return KindMechanicalFailure }
func (e MechanicalFailure) Time() float64     { return e.T }
func (e MechanicalFailure) Subject() agent.ID { return e.Agent }

// Buffer accumulates one tick's (or more) events and exposes them as a
// single drained, totally ordered batch (spec.md 6.4: race_snapshot
// drains events once per call).
type Buffer struct {
	events []Event
}

func (b *Buffer) Append(e Event) {
	b.events = append(b.events, e)
}

// Len reports how many events are currently buffered, undrained.
func (b *Buffer) Len() int {
	return len(b.events)
}

// Reset discards every buffered event without returning them, used to
// unwind a tick that aborts before it reaches its own Drain call
// (spec.md 4.7/7: an aborted tick commits no partial state, events
// included).
func (b *Buffer) Reset() {
	b.events = nil
}

// Drain returns every buffered event sorted by (t, kind, subject_id)
// and empties the buffer.
func (b *Buffer) Drain() []Event {
	out := b.events
	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.Time() != c.Time() {
			return a.Time() < c.Time()
		}
		if a.Kind() != c.Kind() {
			return a.Kind() < c.Kind()
		}
		return a.Subject() < c.Subject()
	})
	b.events = nil
	return out
}

// segmentFactor is the k_seg term of the overtake model (spec.md 4.6).
func segmentFactor(kind track.SegmentKind) float64 {
	switch kind {
	case track.Straight:
		return 0.8
	case track.Chicane:
		return 0.5
	default:
		return 0.3
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// EvaluateOvertakes runs the pairwise overtake model over every active
// agent pair, in ascending-id order for both the challenger and the
// defender (spec.md's deterministic tie-break). prevPosition supplies
// each agent's rank entering the tick, the reference point against
// which "a is the challenger behind in rank" is judged; agents is
// expected to already carry this tick's freshly recomputed Position
// and TotalDistance.
func EvaluateOvertakes(now float64, agents []*agent.State, trk *track.Track, prevPosition map[agent.ID]int, stream *rng.Stream, buf *Buffer) {
	sorted := append([]*agent.State(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, a := range sorted {
		if !a.Active {
			continue
		}
		for _, b := range sorted {
			if !b.Active || a.ID == b.ID {
				continue
			}
			if math.Abs(a.TotalDistance-b.TotalDistance) >= 10 {
				continue
			}
			if !(a.TotalDistance > b.TotalDistance && prevPosition[a.ID] > prevPosition[b.ID]) {
				continue
			}

			speedA := math.Hypot(a.Vx, a.Vy)
			speedB := math.Hypot(b.Vx, b.Vy)
			seg, _ := trk.SegmentAt(a.LapDistance)

			z := 0.5*(speedA-speedB) +
				0.02*(a.BatteryEnergy-b.BatteryEnergy) +
				0.3*a.Descriptor.Aggression - 0.2*b.Descriptor.Aggression +
				0.4*(b.TireWear-a.TireWear) +
				segmentFactor(seg.Kind)

			prob := sigmoid(z) * 0.1
			if stream.Uniform01() < prob {
				a.Position, b.Position = b.Position, a.Position
				a.OvertakesMade++
				b.OvertakesReceived++
				buf.Append(Overtake{T: now, Attacker: a.ID, Defender: b.ID, AtS: a.LapDistance})
			}
		}
	}
}

// crashRisk computes R for one agent (spec.md 4.6).
func crashRisk(st *agent.State, vMax, batteryCapacity float64, nearbyActive int) float64 {
	ePct := 100 * st.BatteryEnergy / batteryCapacity
	nearTerm := math.Min(float64(nearbyActive)/5, 1)
	return 0.30*math.Hypot(st.Vx, st.Vy)/vMax +
		0.25*st.TireWear +
		0.20*st.Descriptor.Aggression +
		0.15*nearTerm +
		0.10*math.Max(0, 1-ePct/100)
}

const crashBaseProbability = 1e-7

// EvaluateCrashes evaluates the independent crash roll for every
// active agent, in ascending id order.
func EvaluateCrashes(now float64, agents []*agent.State, vMax, batteryCapacity, trackLength float64, stream *rng.Stream, buf *Buffer) {
	sorted := append([]*agent.State(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, a := range sorted {
		if !a.Active {
			continue
		}
		nearby := 0
		for _, b := range sorted {
			if b.ID == a.ID || !b.Active {
				continue
			}
			d := math.Mod(math.Abs(a.TotalDistance-b.TotalDistance), trackLength)
			if d > trackLength/2 {
				d = trackLength - d
			}
			if d < 20 {
				nearby++
			}
		}

		risk := crashRisk(a, vMax, batteryCapacity, nearby)
		p := crashBaseProbability * (1 + 50*risk)
		if stream.Uniform01() < p {
			a.Active = false
			a.DNFReason = agent.DNFCrash
			buf.Append(Crash{T: now, Agent: a.ID, Risk: risk})
		}
	}
}

// SafetyCarPerTickProbability converts the per-lap Poisson rate of
// spec.md 4.6 into a per-tick firing probability.
func SafetyCarPerTickProbability(crashesLast2Laps int, dt, lapTimeNominal float64) float64 {
	lambda := 0.1 * (1 + 0.5*float64(crashesLast2Laps))
	return 1 - math.Exp(-lambda*dt/lapTimeNominal)
}

// EvaluateSafetyCarDeploy rolls for a new safety-car period. Callers
// are responsible for the "not lap 1, not within 5 laps of the
// previous one" eligibility gate (race-level bookkeeping, owned by
// RaceState) before invoking this.
func EvaluateSafetyCarDeploy(now float64, crashesLast2Laps int, dt, lapTimeNominal float64, stream *rng.Stream, buf *Buffer) bool {
	p := SafetyCarPerTickProbability(crashesLast2Laps, dt, lapTimeNominal)
	if stream.Uniform01() < p {
		buf.Append(SafetyCarDeploy{T: now, Reason: "incident rate"})
		return true
	}
	return false
}

// EvaluateSafetyCarWithdraw emits the withdrawal event once the race
// clock reaches the configured safety-car window end.
func EvaluateSafetyCarWithdraw(now, until float64, buf *Buffer) bool {
	if now >= until {
		buf.Append(SafetyCarWithdraw{T: now})
		return true
	}
	return false
}

// MechanicalHazard is the Weibull hazard rate h(tau) of spec.md 4.6.
func MechanicalHazard(tau, k, lambdaW float64) float64 {
	if tau <= 0 {
		return 0
	}
	return (k / lambdaW) * math.Pow(tau/lambdaW, k-1)
}

// MechanicalParams configures the optional failure model (off by
// default per spec.md 4.6).
type MechanicalParams struct {
	K       float64
	LambdaW float64
}

func DefaultMechanicalParams() MechanicalParams {
	return MechanicalParams{K: 2.5, LambdaW: 5000}
}

// EvaluateMechanicalFailures rolls the optional Weibull failure model
// for every active agent. stress is this implementation's resolution
// of the spec's unspecified stress term: aggression and tire wear both
// accelerate effective component age.
func EvaluateMechanicalFailures(now, raceTime float64, agents []*agent.State, p MechanicalParams, dt float64, stream *rng.Stream, buf *Buffer) {
	sorted := append([]*agent.State(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, a := range sorted {
		if !a.Active {
			continue
		}
		stress := 0.5*a.Descriptor.Aggression + 0.5*a.TireWear
		tau := raceTime * (1 + stress)
		hazard := MechanicalHazard(tau, p.K, p.LambdaW)
		if stream.Uniform01() < hazard*dt {
			a.Active = false
			a.DNFReason = agent.DNFMechanical
			buf.Append(MechanicalFailure{T: now, Agent: a.ID, Cause: "component_failure"})
		}
	}
}
