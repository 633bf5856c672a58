package main

import "time"

// Decision is what the monitor did on one tick.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionDuck
	DecisionRestore
	DecisionTargetAbsent
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionDuck:
		return "duck"
	case DecisionRestore:
		return "restore"
	case DecisionTargetAbsent:
		return "target_absent"
	default:
		return "unknown"
	}
}

// StateSnapshot is a copy of the monitor's state, safe to hand to other goroutines.
type StateSnapshot struct {
	Trigger string `json:"trigger"`
	Target  string `json:"target"`

	Ducked        bool `json:"ducked"`
	TargetPresent bool `json:"target_present"`

	LowerVolume  VolumeLevel `json:"lower_volume"`
	NormalVolume VolumeLevel `json:"normal_volume"`

	LastDecision  string    `json:"last_decision"`
	LastTickAt    time.Time `json:"last_tick_at"`
	DucksFired    int       `json:"ducks_fired"`
	RestoresFired int       `json:"restores_fired"`
}

// RequestStateSnapshot asks the monitor loop for a snapshot.
// Reply should be buffered; the monitor never blocks on it.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is an externally interesting state change emitted by the monitor.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastDucked is emitted after a duck transition completes.
type BroadcastDucked struct {
	Level VolumeLevel
	At    time.Time
}

func (BroadcastDucked) broadcastMarker() {}

// BroadcastRestored is emitted after a restore transition completes.
type BroadcastRestored struct {
	Level VolumeLevel
	At    time.Time
}

func (BroadcastRestored) broadcastMarker() {}

// BroadcastTargetPresence is emitted when the target appears or disappears.
type BroadcastTargetPresence struct {
	Present bool
	At      time.Time
}

func (BroadcastTargetPresence) broadcastMarker() {}
