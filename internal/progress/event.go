// Package progress defines the event structures emitted by ingestion cycles.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCycleStart    Stage = "CYCLE_START"
	StageCycleDone     Stage = "CYCLE_DONE"
	StageCycleError    Stage = "CYCLE_ERROR"
	StageSourceDone    Stage = "SOURCE_DONE"
	StageSourceFailed  Stage = "SOURCE_FAILED"
	StageReconcileDone Stage = "RECONCILE_DONE"
	StageEnrichDone    Stage = "ENRICH_DONE"
)

// lifecycle reports whether the stage opens or closes a cycle.
func (s Stage) lifecycle() bool {
	return s == StageCycleStart || s.terminal()
}

// terminal reports whether the stage ends a cycle.
func (s Stage) terminal() bool {
	return s == StageCycleDone || s == StageCycleError
}

// Event captures a single milestone of an ingestion cycle.
type Event struct {
	// CycleID identifies the cycle using the 16-byte UUID form. Enrichment
	// events raised by a backfill carry a zero ID.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Trigger names what started the cycle (schedule, api, cli).
	Trigger string
	// Source scopes source and reconcile events to one adapter.
	Source string
	// State is the final adapter state for source events.
	State string
	// Processed, Created, Updated, Failed carry per-source counters.
	Processed int64
	Created   int64
	Updated   int64
	Failed    int64
	// Closed counts records closed by the reconciler.
	Closed int64
	// ZeroYield flags a source that produced no records.
	ZeroYield bool
	// Outcome labels enrichment results and cycle statuses.
	Outcome string
	// Dur captures execution latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleError:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
	case StageSourceDone, StageSourceFailed, StageReconcileDone:
		if e.CycleID == [16]byte{} {
			return errors.New("cycle id is required")
		}
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageEnrichDone:
		if e.Outcome == "" {
			return errors.New("enrich done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Processed < 0 || e.Created < 0 || e.Updated < 0 || e.Failed < 0 || e.Closed < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID for repositories.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
