// Package physics implements the per-agent force balance, corner-speed
// cap, lateral dynamics, and tire/thermal/energy updates that the
// integrator drives once per tick per agent (spec.md 4.4).
package physics

import (
	"math"

	"racekernel/agent"
	"racekernel/rng"
	"racekernel/track"
)

// Params is the single source of truth for the physics constants of
// spec.md 4.4. All fields have defaults matching the calibrated values
// named there; tire-wear and noise coefficients are this
// implementation's resolution of the spec's two open calibration
// questions (see DESIGN.md).
type Params struct {
	Gravity     float64 // g
	AirDensity  float64 // rho
	DragCoeff   float64 // Cd
	LiftCoeff   float64 // Cl
	FrontalArea float64 // A
	RollingRes  float64 // Cr
	MotorPowerMax   float64 // P_max
	AttackBoost     float64 // P_boost
	MotorEfficiency float64 // eta_motor
	RegenPowerMax   float64 // P_regen_max
	RegenEfficiency float64 // eta_regen
	BatteryCapacity float64 // E_cap
	MaxSpeed        float64 // v_max
	MaxSteering     float64 // delta_max
	MaxGrip         float64 // mu_max
	MinGrip         float64 // mu_min
	TireOptTemp     float64 // T_tire_opt
	BatteryOptTemp  float64 // T_batt_opt
	MaxBrakeDecel   float64 // a_brake_max

	// HardCornerCap selects the documented design decision of spec.md
	// 4.4 step 7: clamp v down to the corner limit after integration
	// rather than a soft traction-circle reduction.
	HardCornerCap bool

	TireWear  TireWearParams
	Thermal   ThermalParams
	Noise     NoiseParams
	AmbientC  float64 // ambient temperature, Celsius
}

// TireWearParams are the coefficients of spec.md 4.4 step 9. These are
// the "corrected" magnitudes: the spec notes a published version used
// coefficients roughly 1000x larger, producing full wear in seconds.
type TireWearParams struct {
	KBase  float64
	KTemp  float64
	KSpeed float64
	KLat   float64
	KLock  float64
}

// ThermalParams are the tire and battery thermal coefficients of
// spec.md 4.4 steps 10 and 12.
type ThermalParams struct {
	TireHeatGain    float64 // k_f
	TireCooling     float64 // k_c
	BatteryMassCp   float64 // m_batt * cp, J per degree C
	BatteryActiveCooling  float64
	BatteryPassiveCooling float64
}

// NoiseParams are the per-component process-noise standard deviations
// of spec.md 4.4 step 14, applied as sqrt(dt)*N(0, std).
type NoiseParams struct {
	Vx, Vy     float64
	X, Y       float64
	LongAcc    float64
	TireTemp   float64
	BattTemp   float64
}

// DefaultParams returns the calibrated defaults named in spec.md 4.4,
// plus this implementation's resolved tire-wear/noise coefficients.
func DefaultParams() Params {
	return Params{
		Gravity:         9.81,
		AirDensity:      1.225,
		DragCoeff:       0.32,
		LiftCoeff:       1.8,
		FrontalArea:     1.5,
		RollingRes:      0.015,
		MotorPowerMax:   350e3,
		AttackBoost:     50e3,
		MotorEfficiency: 0.97,
		RegenPowerMax:   600e3,
		RegenEfficiency: 0.40,
		BatteryCapacity: 51 * 3.6e6,
		MaxSpeed:        322 / 3.6,
		MaxSteering:     0.52,
		MaxGrip:         1.2,
		MinGrip:         0.9,
		TireOptTemp:     90,
		BatteryOptTemp:  40,
		MaxBrakeDecel:   5.5,
		HardCornerCap:   true,
		AmbientC:        25,
		TireWear: TireWearParams{
			KBase:  2e-6,
			KTemp:  2e-6,
			KSpeed: 2e-8,
			KLat:   3e-7,
			KLock:  1e-4,
		},
		Thermal: ThermalParams{
			TireHeatGain:          0.8,
			TireCooling:           0.03,
			BatteryMassCp:         5e5,
			BatteryActiveCooling:  0.8,
			BatteryPassiveCooling: 0.05,
		},
		Noise: NoiseParams{
			Vx: 0.05, Vy: 0.05,
			X: 0.02, Y: 0.02,
			LongAcc:  0.05,
			TireTemp: 0.1,
			BattTemp: 0.05,
		},
	}
}

// Controls are the driver inputs for one tick, synthesized by the
// control package.
type Controls struct {
	Throttle float64
	Brake    float64
	Steering float64
}

// Result reports the facts the integrator needs to turn into events;
// physics itself never touches the event stream (spec.md 9: explicit
// result types instead of embedded side effects).
type Result struct {
	LapCompleted   bool
	LapTime        float64
	WentInactive   bool
	AttackExpired  bool
}

const minSpeedForForce = 0.5 // m/s, floor to avoid division blowups at a standstill

// Step advances one agent by one tick: motor/aero/rolling/brake
// forces, longitudinal integration, hard corner cap, lateral dynamics,
// tire wear and thermal update, energy and battery-thermal update,
// attack timer, and process noise — spec.md 4.4 steps 1-14, in order.
func Step(st *agent.State, p Params, trk *track.Track, ctl Controls, dt float64, weatherGripMul float64, now float64, stream *rng.Stream) Result {
	var result Result

	seg, _ := trk.SegmentAt(st.LapDistance)
	mass := st.Descriptor.Mass
	wheelbase := st.Descriptor.Wheelbase

	speed := math.Hypot(st.Vx, st.Vy)
	if speed < 0 {
		speed = 0
	}

	muEff := st.GripCoefficient * seg.GripMultiplier * weatherGripMul * (1 + 0.05*math.Min(speed/80, 1))

	// 1. Motor force, soft-capped by remaining traction-circle budget
	// given the provisional lateral acceleration at the current speed
	// and steering command.
	attackBoost := 0.0
	if st.AttackActive {
		attackBoost = p.AttackBoost
	}
	motorPower := (p.MotorPowerMax + attackBoost) * clamp01(ctl.Throttle)
	denomV := math.Max(speed, minSpeedForForce)
	fMotor := motorPower * p.MotorEfficiency / denomV

	provisionalLat := speed * speed * math.Tan(ctl.Steering) / wheelbase
	maxCombined := muEff * p.Gravity
	longBudgetSq := maxCombined*maxCombined - provisionalLat*provisionalLat
	if longBudgetSq < 0 {
		longBudgetSq = 0
	}
	maxFMotor := mass * math.Sqrt(longBudgetSq)
	if fMotor > maxFMotor {
		fMotor = maxFMotor
	}

	// 2. Aerodynamic drag.
	fDrag := 0.5 * p.AirDensity * p.DragCoeff * p.FrontalArea * speed * speed

	// 3. Downforce.
	fDown := 0.5 * p.AirDensity * p.LiftCoeff * p.FrontalArea * speed * speed

	// 4. Rolling resistance and gradient.
	fRoll := p.RollingRes * (mass*p.Gravity + fDown)
	grade := 0.0
	if seg.Length > 0 {
		grade = math.Atan(seg.ElevationDelta / seg.Length)
	}
	fGrad := mass * p.Gravity * math.Sin(grade)

	// 5. Brake and regeneration.
	fBrake := clamp01(ctl.Brake) * mass * p.MaxBrakeDecel
	eRegen := 0.0
	if fBrake > 0 {
		regenPower := math.Min(0.7*fBrake, p.RegenPowerMax/denomV)
		eRegen = regenPower * p.RegenEfficiency * dt
		headroom := p.BatteryCapacity - st.BatteryEnergy
		if eRegen > headroom {
			eRegen = headroom
		}
		if eRegen < 0 {
			eRegen = 0
		}
	}

	// 6. Longitudinal integration.
	accel := (fMotor - fDrag - fRoll - fBrake - fGrad) / mass
	newSpeed := clampf(speed+accel*dt, 0, p.MaxSpeed)
	advance := newSpeed*dt + 0.5*accel*dt*dt
	if advance < 0 {
		advance = 0
	}
	newLapDistance := st.LapDistance + advance
	wrapped := newLapDistance >= trk.TotalLength()
	st.LapDistance = math.Mod(newLapDistance, trk.TotalLength())
	if st.LapDistance < 0 {
		st.LapDistance += trk.TotalLength()
	}
	st.TotalDistance += advance
	if wrapped {
		result.LapCompleted = true
		result.LapTime = now - st.LapStartTime()
		st.CurrentLap++
		st.SetLapStartTime(now)
	}

	// 7. Hard corner cap.
	segAfter, _ := trk.SegmentAt(st.LapDistance)
	radius := math.Inf(1)
	geomAfter := trk.GeometryAt(st.LapDistance)
	if geomAfter.Curvature != 0 {
		radius = 1 / math.Abs(geomAfter.Curvature)
	}
	if p.HardCornerCap {
		vCorner := track.CornerSpeedLimit(radius, muEff, segAfter.Banking, p.MaxSpeed)
		if newSpeed > vCorner {
			newSpeed = vCorner
		}
	}

	// 8. Lateral dynamics.
	latAcc := newSpeed * newSpeed * math.Tan(ctl.Steering) / wheelbase
	maxLat := muEff * p.Gravity
	latAcc = clampf(latAcc, -maxLat, maxLat)
	st.LateralAcc = latAcc
	st.LongAcc = accel

	// 9. Tire wear.
	locked := ctl.Brake > 0.95 && newSpeed > 20
	lockTerm := 0.0
	if locked {
		lockTerm = p.TireWear.KLock
	}
	dTau := (p.TireWear.KBase +
		p.TireWear.KTemp*math.Abs(st.TireTemperature-p.TireOptTemp) +
		p.TireWear.KSpeed*newSpeed*newSpeed +
		p.TireWear.KLat*latAcc*latAcc +
		lockTerm) * dt
	noiseScale := 0.15 * dTau * (1 + (st.TireTemperature-70)/100)
	dTau += stream.Gauss(0, math.Max(noiseScale, 0))
	st.TireWear = clampf(st.TireWear+dTau, 0, 1)
	st.GripCoefficient = p.MaxGrip - (p.MaxGrip-p.MinGrip)*st.TireWear

	// 10. Tire temperature.
	tireHeatRate := p.Thermal.TireHeatGain*(0.5*math.Abs(latAcc)+0.3*math.Abs(accel)) - p.Thermal.TireCooling*(st.TireTemperature-p.AmbientC)
	st.TireTemperature = clampf(st.TireTemperature+tireHeatRate*dt, p.AmbientC, 130)

	// 11. Energy update.
	energyMul := 1.0
	if st.AttackActive {
		energyMul = 1.3
	}
	eUsed := (motorPower / p.MotorEfficiency) * dt * energyMul
	eNoiseStd := (0.02 + 0.001*math.Abs(st.BatteryTemperature-p.BatteryOptTemp)) * eUsed
	eUsed += stream.Gauss(0, math.Max(eNoiseStd, 0))
	st.BatteryEnergy = clampf(st.BatteryEnergy+eRegen-eUsed, 0, p.BatteryCapacity)
	if st.BatteryEnergy <= 0 && st.Active {
		st.Active = false
		st.DNFReason = agent.DNFEnergyEmpty
		result.WentInactive = true
	}

	// 12. Battery temperature.
	ohmicLoss := (1 - p.MotorEfficiency) * math.Abs(eUsed-eRegen) / dt
	battHeatRate := ohmicLoss / p.Thermal.BatteryMassCp
	if st.BatteryTemperature > p.BatteryOptTemp {
		battHeatRate -= p.Thermal.BatteryActiveCooling * (st.BatteryTemperature - p.BatteryOptTemp)
	}
	battHeatRate -= p.Thermal.BatteryPassiveCooling * (st.BatteryTemperature - p.AmbientC)
	st.BatteryTemperature = clampf(st.BatteryTemperature+battHeatRate*dt, 20, 60)

	// 13. Attack timer.
	if st.AttackActive {
		st.AttackRemaining -= dt
		if st.AttackRemaining <= 0 {
			st.AttackActive = false
			st.AttackRemaining = 0
			result.AttackExpired = true
		}
	}

	// 14. Process noise and world-frame velocity/position.
	heading := geomAfter.Heading
	vx := newSpeed*math.Cos(heading) + stream.Gauss(0, p.Noise.Vx)*math.Sqrt(dt)
	vy := newSpeed*math.Sin(heading) + stream.Gauss(0, p.Noise.Vy)*math.Sqrt(dt)
	st.Vx, st.Vy = vx, vy
	st.X = geomAfter.X + stream.Gauss(0, p.Noise.X)*math.Sqrt(dt)
	st.Y = geomAfter.Y + stream.Gauss(0, p.Noise.Y)*math.Sqrt(dt)
	st.LongAcc += stream.Gauss(0, p.Noise.LongAcc) * math.Sqrt(dt)
	st.TireTemperature += stream.Gauss(0, p.Noise.TireTemp) * math.Sqrt(dt)
	st.BatteryTemperature += stream.Gauss(0, p.Noise.BattTemp) * math.Sqrt(dt)

	st.Throttle = clamp01(ctl.Throttle)
	st.Brake = clamp01(ctl.Brake)
	st.Steering = clampf(ctl.Steering, -p.MaxSteering, p.MaxSteering)

	return result
}

func clamp01(x float64) float64 {
	return clampf(x, 0, 1)
}

func clampf(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
