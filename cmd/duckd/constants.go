package main

// Compiled-in defaults. A config file and flags may override them.
const (
	defaultTriggerIdentity = "Mozilla zen"
	defaultTargetIdentity  = "Spotify"

	// Percentages
	defaultLowerVolume  = 45
	defaultNormalVolume = 80

	defaultTransitionMS       = 300  // Total duration of one duck/restore fade (ms)
	defaultPollIntervalMS     = 1000 // Trigger/target poll cadence (ms)
	defaultTargetAbsentPollMS = 5000 // Poll cadence while the target is not running (ms)

	defaultCallTimeoutMS = 2000 // Per D-Bus call timeout (ms)

	defaultIPCSocketPath = "/tmp/duckd.sock"
	defaultStateWSPath   = "/ws/state"
)
