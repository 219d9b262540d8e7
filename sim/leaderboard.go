package sim

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"racekernel/agent"
)

// StandingRow is one agent's immutable leaderboard row at snapshot
// time (spec.md 4.8).
type StandingRow struct {
	AgentID           agent.ID
	Position          int
	CurrentLap        int
	GapToLeaderS      float64
	GapToAheadS       float64
	LastLapTime       float64
	BestLapTime       float64
	OvertakesMade     int
	OvertakesReceived int
	PerformanceIndex  float64
	Active            bool
	DNFReason         agent.DNFReason
}

// StandingsSnapshot is the immutable, ordered leaderboard for one tick,
// plus field-level aggregates (C9: "interval/statistics aggregation").
type StandingsSnapshot struct {
	Rows []StandingRow

	MeanBestLapTime   float64 // 0 if no agent has set a best lap yet
	StdDevBestLapTime float64 // 0 with fewer than two best-lap samples
	FieldSpreadS      float64 // largest active gap-to-leader, seconds
}

// buildStandings computes gaps and performance index from the race's
// current agent states, ordered by Position ascending (spec.md 4.8:
// "pure functions over RaceState").
func buildStandings(agents []*agent.State, p physicsLimits) StandingsSnapshot {
	ordered := append([]*agent.State(nil), agents...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	rows := make([]StandingRow, len(ordered))
	var leader *agent.State
	for _, a := range ordered {
		if a.Active && (leader == nil || a.Position < leader.Position) {
			leader = a
		}
	}

	var prevActive *agent.State
	for i, a := range ordered {
		row := StandingRow{
			AgentID:           a.ID,
			Position:          a.Position,
			CurrentLap:        a.CurrentLap,
			LastLapTime:       a.LastLapTime,
			BestLapTime:       a.BestLapTime,
			OvertakesMade:     a.OvertakesMade,
			OvertakesReceived: a.OvertakesReceived,
			PerformanceIndex:  a.PerformanceIndex(p.maxSpeed, p.maxLongAcc, p.batteryCapacity),
			Active:            a.Active,
			DNFReason:         a.DNFReason,
		}
		if leader != nil && a.Active {
			row.GapToLeaderS = gapSeconds(leader.TotalDistance-a.TotalDistance, a)
		}
		if a.Active && prevActive != nil {
			row.GapToAheadS = gapSeconds(prevActive.TotalDistance-a.TotalDistance, a)
		} else if a.Active {
			row.GapToAheadS = 0
		} else {
			row.GapToAheadS = math.Inf(1)
			row.GapToLeaderS = math.Inf(1)
		}
		rows[i] = row
		if a.Active {
			prevActive = a
		}
	}

	var lapTimes []float64
	for _, a := range ordered {
		if a.BestLapTime > 0 {
			lapTimes = append(lapTimes, a.BestLapTime)
		}
	}
	var meanBest, stdDevBest float64
	if len(lapTimes) > 0 {
		meanBest = stat.Mean(lapTimes, nil)
	}
	if len(lapTimes) > 1 {
		stdDevBest = stat.StdDev(lapTimes, nil)
	}

	return StandingsSnapshot{
		Rows:              rows,
		MeanBestLapTime:   meanBest,
		StdDevBestLapTime: stdDevBest,
		FieldSpreadS:      fieldSpreadSeconds(rows),
	}
}

// fieldSpreadSeconds is the largest finite gap-to-leader among active
// agents, the time separating the back of the field from the lead.
func fieldSpreadSeconds(rows []StandingRow) float64 {
	var gaps []float64
	for _, r := range rows {
		if r.Active && !math.IsInf(r.GapToLeaderS, 1) {
			gaps = append(gaps, r.GapToLeaderS)
		}
	}
	if len(gaps) == 0 {
		return 0
	}
	return floats.Max(gaps)
}

// gapSeconds estimates a time-based gap from a distance delta using
// the trailing agent's current speed (spec.md glossary: "Gap to ahead
// / to leader").
func gapSeconds(distanceDelta float64, trailing *agent.State) float64 {
	if distanceDelta <= 0 {
		return 0
	}
	speed := math.Hypot(trailing.Vx, trailing.Vy)
	if speed < 1 {
		return math.Inf(1)
	}
	return distanceDelta / speed
}

// physicsLimits is the subset of physics.Params the leaderboard needs
// to normalize the performance index, passed in rather than imported
// to keep this file's dependency surface minimal.
type physicsLimits struct {
	maxSpeed        float64
	maxLongAcc      float64
	batteryCapacity float64
}
