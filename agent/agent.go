// Package agent defines the per-competitor state record: kinematics,
// energy, tires, attack mode, and the canonical vector view consumed
// by external RL/logging collaborators (spec.md 4.2).
package agent

import (
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

// DNFReason tags why an agent became inactive.
type DNFReason string

const (
	DNFNone         DNFReason = "none"
	DNFCrash        DNFReason = "crash"
	DNFEnergyEmpty  DNFReason = "energy_empty"
	DNFMechanical   DNFReason = "mechanical"
	DNFDisqualified DNFReason = "disqualified"
)

// ID identifies a competitor. Assigned once at construction, ascending
// from zero, and used as the sole cross-reference between agents and
// the race they belong to (spec.md 9: "agent ids rather than pointers").
type ID int

// Descriptor is the immutable per-driver profile and vehicle constants.
// It never changes during a race.
type Descriptor struct {
	Skill       float64 // [0,1]
	Aggression  float64 // [0,1]
	Consistency float64 // [0,1]

	Wheelbase float64 // m (L)
	Mass      float64 // kg (m)

	// AttackUsesTotal seeds AttackUsesLeft at race start.
	AttackUsesTotal int
}

// State is the full mutable record for one competitor. Its fields are
// exported; during a race they are written only by the sim integrator
// and the physics and events steps it drives.
type State struct {
	ID         ID
	Descriptor Descriptor
	TraceID    uuid.UUID // random identifier from uuid.New(); never affects physics

	// Kinematics
	Vx, Vy     float64
	X, Y       float64
	LateralAcc float64
	LongAcc    float64
	Steering   float64
	Throttle   float64
	Brake      float64

	// Circuit bookkeeping
	LapDistance   float64
	TotalDistance float64
	CurrentLap    int
	Position      int

	// Energy
	BatteryEnergy      float64
	BatteryTemperature float64

	// Tires
	TireWear         float64
	GripCoefficient  float64
	TireTemperature  float64

	// Attack mode
	AttackActive    bool
	AttackRemaining float64
	AttackUsesLeft  int

	// Liveness
	Active    bool
	DNFReason DNFReason

	// Leaderboard bookkeeping (C9), not part of the canonical vector.
	OvertakesMade     int
	OvertakesReceived int
	LastLapTime       float64
	BestLapTime       float64
	lapStartAt        float64
}

// LapStartTime returns the simulation time at which the agent's current
// lap began, used to derive lap time from elapsed ticks (spec.md 9:
// "lap-time computation... mandates elapsed-tick derivation").
func (s *State) LapStartTime() float64 {
	return s.lapStartAt
}

// SetLapStartTime records the simulation time the current lap began.
func (s *State) SetLapStartTime(t float64) {
	s.lapStartAt = t
}

// New constructs a State at the origin with a full battery, zero wear,
// and all attack uses available.
func New(id ID, desc Descriptor, batteryCapacity float64) *State {
	return &State{
		ID:                 id,
		Descriptor:         desc,
		TraceID:            uuid.New(),
		BatteryEnergy:      batteryCapacity,
		GripCoefficient:    1.2,
		TireTemperature:    ambientStartTemp,
		BatteryTemperature: ambientStartTemp,
		AttackUsesLeft:     desc.AttackUsesTotal,
		Active:             true,
		DNFReason:          DNFNone,
		BestLapTime:        0,
	}
}

// ambientStartTemp is the default ambient temperature (Celsius) new
// agents start thermally equalized to, before the first tick's process
// noise.
const ambientStartTemp = 25.0

// VectorLen is the number of scalar components in the canonical vector
// view (spec.md 4.2). The spec's prose groups sum to 21 fields; see
// DESIGN.md for the reconciliation with the spec's "20 logical fields"
// heading.
const VectorLen = 21

// ToVector returns the canonical 21-component numeric view of the
// agent's physical state, in a fixed field order. FromVector is its
// exact inverse: round-tripping is lossless for every field here.
func (s *State) ToVector() [VectorLen]float64 {
	var v [VectorLen]float64
	v[0] = s.Vx
	v[1] = s.Vy
	v[2] = s.X
	v[3] = s.Y
	v[4] = s.LateralAcc
	v[5] = s.LongAcc
	v[6] = s.Steering
	v[7] = s.Throttle
	v[8] = s.Brake
	v[9] = s.LapDistance
	v[10] = s.TotalDistance
	v[11] = float64(s.CurrentLap)
	v[12] = float64(s.Position)
	v[13] = s.BatteryEnergy
	v[14] = s.BatteryTemperature
	v[15] = s.TireWear
	v[16] = s.GripCoefficient
	v[17] = s.TireTemperature
	v[18] = boolToFloat(s.AttackActive)
	v[19] = s.AttackRemaining
	v[20] = float64(s.AttackUsesLeft)
	return v
}

// FromVector overwrites the physical fields of s from a canonical
// vector produced by ToVector.
func (s *State) FromVector(v [VectorLen]float64) {
	s.Vx = v[0]
	s.Vy = v[1]
	s.X = v[2]
	s.Y = v[3]
	s.LateralAcc = v[4]
	s.LongAcc = v[5]
	s.Steering = v[6]
	s.Throttle = v[7]
	s.Brake = v[8]
	s.LapDistance = v[9]
	s.TotalDistance = v[10]
	s.CurrentLap = int(v[11])
	s.Position = int(v[12])
	s.BatteryEnergy = v[13]
	s.BatteryTemperature = v[14]
	s.TireWear = v[15]
	s.GripCoefficient = v[16]
	s.TireTemperature = v[17]
	s.AttackActive = v[18] != 0
	s.AttackRemaining = v[19]
	s.AttackUsesLeft = int(v[20])
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// performanceWeights are the fixed weights of spec.md 3's P formula, in
// the same order PerformanceIndex builds its component vector.
var performanceWeights = []float64{0.30, 0.15, 0.25, 0.20, 0.10}

// PerformanceIndex computes the weighted, normalized competitiveness
// scalar P in [0,1] from spec.md 3: velocity, longitudinal
// acceleration, energy, (1-wear), and a strategy factor, expressed as
// a dot product of the components against performanceWeights.
func (s *State) PerformanceIndex(vMax, aMaxLong, batteryCapacity float64) float64 {
	vNorm := clamp01(math.Hypot(s.Vx, s.Vy) / vMax)
	aNorm := clamp01(math.Abs(s.LongAcc) / aMaxLong)
	eNorm := clamp01(s.BatteryEnergy / batteryCapacity)
	wearTerm := clamp01(1 - s.TireWear)
	strategy := (vNorm + eNorm + wearTerm) / 3

	components := []float64{vNorm, aNorm, eNorm, wearTerm, strategy}
	return floats.Dot(components, performanceWeights)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
