package sim

import "racekernel/events"

// ReplayLedger records the sequence of tick indices at which events
// fired, sufficient to reconstruct event ordering given an identical
// config and seed (spec.md 6.6). The core is otherwise stateless
// between runs; a ledger is an optional, caller-supplied sink.
type ReplayLedger interface {
	// Record is called once per tick with that tick's drained events,
	// in the order Buffer.Drain produced them.
	Record(stepIndex int64, batch []events.Event)
}

// NullLedger discards everything; it is the default so a race can run
// without a caller ever having to think about replay persistence.
type NullLedger struct{}

func NewNullLedger() NullLedger { return NullLedger{} }

func (NullLedger) Record(int64, []events.Event) {}

// MemoryLedger keeps every tick's event batch in memory, in arrival
// order. Suitable for tests and short runs; long races should supply a
// ReplayLedger backed by durable storage instead.
type MemoryLedger struct {
	Ticks []int64
	Batches [][]events.Event
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) Record(stepIndex int64, batch []events.Event) {
	if len(batch) == 0 {
		return
	}
	m.Ticks = append(m.Ticks, stepIndex)
	m.Batches = append(m.Batches, batch)
}
