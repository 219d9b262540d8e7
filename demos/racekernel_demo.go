// Race Kernel Demo
// Builds a small oval circuit, seeds a five-car grid, and runs the
// kernel to completion while printing standings and fired events.

package main

import (
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"

	"racekernel/agent"
	"racekernel/events"
	"racekernel/sim"
	"racekernel/track"
)

func main() {
	fmt.Println("=== Race Kernel Demo ===")

	trk, err := buildOval()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building track: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Track built: %.0fm closed loop, %d segments\n", trk.TotalLength(), len(trk.Segments()))

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cfg := sim.DefaultConfig()
	cfg.NumLaps = 3
	cfg.Seed = 42

	descriptors := []agent.Descriptor{
		{Skill: 0.92, Aggression: 0.6, Consistency: 0.85, Wheelbase: 2.97, Mass: 900, AttackUsesTotal: 2},
		{Skill: 0.88, Aggression: 0.75, Consistency: 0.70, Wheelbase: 2.97, Mass: 905, AttackUsesTotal: 2},
		{Skill: 0.80, Aggression: 0.50, Consistency: 0.90, Wheelbase: 2.97, Mass: 898, AttackUsesTotal: 2},
		{Skill: 0.85, Aggression: 0.40, Consistency: 0.95, Wheelbase: 2.97, Mass: 912, AttackUsesTotal: 2},
		{Skill: 0.78, Aggression: 0.85, Consistency: 0.60, Wheelbase: 2.97, Mass: 901, AttackUsesTotal: 2},
	}

	rs, err := sim.New(trk, descriptors, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting race: %v\n", err)
		os.Exit(1)
	}

	ledger := sim.NewMemoryLedger()
	rs.SetReplayLedger(ledger)

	fmt.Printf("Grid: %d cars, %d laps, dt=%.3fs, seed=%d\n\n", len(descriptors), cfg.NumLaps, cfg.DtSeconds, cfg.Seed)

	eventCounts := map[events.Kind]int{}
	ticks := 0
	for !rs.Finished() {
		if err := rs.Tick(); err != nil {
			fmt.Fprintf(os.Stderr, "tick %d: %v\n", ticks, err)
			os.Exit(1)
		}
		ticks++

		snap := rs.Snapshot()
		for _, e := range snap.Events {
			eventCounts[e.Kind()]++
			printEvent(e)
		}
	}

	fmt.Printf("\nRace finished after %d ticks (%.1fs simulated).\n\n", ticks, float64(ticks)*cfg.DtSeconds)

	final := rs.Snapshot()
	printStandings(final.Standings)

	fmt.Println("\nEvent totals:")
	fmt.Printf("  Laps completed:    %d\n", eventCounts[events.KindLapComplete])
	fmt.Printf("  Overtakes:         %d\n", eventCounts[events.KindOvertake])
	fmt.Printf("  Crashes:           %d\n", eventCounts[events.KindCrash])
	fmt.Printf("  Safety car deploys: %d\n", eventCounts[events.KindSafetyCarDeploy])
	fmt.Printf("  Attack activations: %d\n", eventCounts[events.KindAttackActivate])

	fmt.Printf("\nReplay ledger recorded %d ticks with events.\n", len(ledger.Ticks))
}

func buildOval() (*track.Track, error) {
	return track.New([]track.Segment{
		{Kind: track.Straight, Length: 900, Radius: math.Inf(1), GripMultiplier: 1.0, IdealSpeed: 322 / 3.6, DRSZone: true},
		{Kind: track.RightCorner, Length: math.Pi * 40, Radius: 40, GripMultiplier: 0.95, IdealSpeed: 22, OvertakingDifficulty: track.DifficultyMedium},
		{Kind: track.Straight, Length: 785, Radius: math.Inf(1), GripMultiplier: 1.0, IdealSpeed: 300 / 3.6},
		{Kind: track.Chicane, Length: 120, Radius: 115, GripMultiplier: 0.9, IdealSpeed: 18, OvertakingDifficulty: track.DifficultyHard},
		{Kind: track.RightCorner, Length: math.Pi * 55, Radius: 55, GripMultiplier: 0.97, IdealSpeed: 26, InAttackZone: true, OvertakingDifficulty: track.DifficultyEasy},
	})
}

func printEvent(e events.Event) {
	switch ev := e.(type) {
	case events.LapComplete:
		fmt.Printf("[t=%6.1fs] agent %d completed lap %d in %.2fs\n", ev.T, ev.Agent, ev.Lap, ev.LapTime)
	case events.Overtake:
		fmt.Printf("[t=%6.1fs] agent %d overtook agent %d at s=%.0fm\n", ev.T, ev.Attacker, ev.Defender, ev.AtS)
	case events.Crash:
		fmt.Printf("[t=%6.1fs] agent %d crashed (risk=%.3f)\n", ev.T, ev.Agent, ev.Risk)
	case events.SafetyCarDeploy:
		fmt.Printf("[t=%6.1fs] safety car deployed: %s\n", ev.T, ev.Reason)
	case events.SafetyCarWithdraw:
		fmt.Printf("[t=%6.1fs] safety car withdrawn\n", ev.T)
	case events.AttackActivate:
		fmt.Printf("[t=%6.1fs] agent %d activated attack mode (%.1fs remaining)\n", ev.T, ev.Agent, ev.Remaining)
	case events.AttackExpire:
		fmt.Printf("[t=%6.1fs] agent %d's attack mode expired\n", ev.T, ev.Agent)
	case events.MechanicalFailure:
		fmt.Printf("[t=%6.1fs] agent %d suffered a mechanical failure (%s)\n", ev.T, ev.Agent, ev.Cause)
	}
}

func printStandings(s sim.StandingsSnapshot) {
	fmt.Println("Final standings:")
	for _, row := range s.Rows {
		status := "running"
		if !row.Active {
			status = string(row.DNFReason)
		}
		fmt.Printf("  P%-2d agent %-2d  lap %-3d  best %.2fs  overtakes +%d/-%d  [%s]\n",
			row.Position, row.AgentID, row.CurrentLap, row.BestLapTime, row.OvertakesMade, row.OvertakesReceived, status)
	}
	fmt.Printf("Field: mean best lap %.2fs, stddev %.2fs, spread %.2fs\n",
		s.MeanBestLapTime, s.StdDevBestLapTime, s.FieldSpreadS)
}
