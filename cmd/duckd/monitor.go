package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Playback Monitor - ducking state machine
// ============================================================================
//
// Each tick:
//   1. resolve the target; absent → nothing to do this tick
//   2. resolve the trigger; absent or unreadable counts as not playing
//   3. playing && !ducked → Duck; !playing && ducked → Restore
//
// Transitions fire only on changes, so a steady state produces no writes.
// The loop is single-threaded: a transition blocks polling until it is done,
// and snapshot requests are answered between ticks.
// ============================================================================

// MonitorConfig holds the monitor's fixed parameters.
type MonitorConfig struct {
	Trigger string
	Target  string

	LowerVolume  VolumeLevel
	NormalVolume VolumeLevel

	PollInterval     time.Duration
	TargetAbsentPoll time.Duration
}

// Monitor owns DuckState and drives duck/restore transitions.
// It must only be used from one goroutine.
type Monitor struct {
	cfg    MonitorConfig
	dir    PlayerDirectory
	engine *Transitioner
	logger *slog.Logger

	// ducked is true iff the last fired transition was a duck.
	ducked bool

	// lostWhileDucked is set when the target disappears while ducked.
	// The next session's volume is unknown, so state is re-applied on return.
	lostWhileDucked bool

	targetPresent bool
	lastDecision  Decision
	lastTickAt    time.Time
	ducks         int
	restores      int

	requests   <-chan RequestStateSnapshot
	broadcasts chan<- StateBroadcast
}

// NewMonitor constructs a monitor with DuckState cleared.
func NewMonitor(cfg MonitorConfig, dir PlayerDirectory, engine *Transitioner, logger *slog.Logger) *Monitor {
	if cfg.TargetAbsentPoll <= 0 {
		cfg.TargetAbsentPoll = cfg.PollInterval
	}
	return &Monitor{
		cfg:    cfg,
		dir:    dir,
		engine: engine,
		logger: logger,
	}
}

// Attach connects the monitor to snapshot requesters and a broadcast sink.
// Either may be nil. Must be called before Run.
func (m *Monitor) Attach(requests <-chan RequestStateSnapshot, broadcasts chan<- StateBroadcast) {
	m.requests = requests
	m.broadcasts = broadcasts
}

// Ducked reports the current DuckState.
func (m *Monitor) Ducked() bool { return m.ducked }

// Duck lowers target to the configured lower volume and sets DuckState.
func (m *Monitor) Duck(ctx context.Context, target Player) error {
	if err := m.transition(ctx, target, m.cfg.LowerVolume, "duck"); err != nil {
		return err
	}
	m.ducked = true
	m.ducks++
	m.publish(BroadcastDucked{Level: m.cfg.LowerVolume, At: time.Now()})
	return nil
}

// Restore raises target to the configured normal volume and clears DuckState.
func (m *Monitor) Restore(ctx context.Context, target Player) error {
	if err := m.transition(ctx, target, m.cfg.NormalVolume, "restore"); err != nil {
		return err
	}
	m.ducked = false
	m.restores++
	m.publish(BroadcastRestored{Level: m.cfg.NormalVolume, At: time.Now()})
	return nil
}

// transition runs one paced transition and logs failed steps.
// A partially failed transition still counts as fired.
func (m *Monitor) transition(ctx context.Context, target Player, level VolumeLevel, kind string) error {
	start := time.Now()
	results, err := m.engine.Transition(ctx, target, level)
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Err != nil {
			m.logger.Error("failed to set volume", "player", target.Identity(), "level", r.Level, "error", r.Err)
		}
	}

	m.logger.Info(kind,
		"player", target.Identity(),
		"level", level,
		"steps", len(results),
		"failed_steps", failedSteps(results),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Step evaluates one poll tick and fires at most one transition.
//
// The returned error is non-nil only for fatal conditions (see isFatal)
// or when ctx ends.
func (m *Monitor) Step(ctx context.Context) (Decision, error) {
	m.lastTickAt = time.Now()
	d, err := m.step(ctx)
	m.lastDecision = d
	return d, err
}

func (m *Monitor) step(ctx context.Context) (Decision, error) {
	target, ok, err := m.dir.Find(ctx, m.cfg.Target)
	if err != nil {
		return DecisionNone, fmt.Errorf("find target %q: %w", m.cfg.Target, err)
	}
	if !ok {
		return m.targetAbsent(), nil
	}
	m.setTargetPresent(true)

	playing, err := m.triggerPlaying(ctx)
	if err != nil {
		return DecisionNone, err
	}

	var want Decision
	switch {
	case m.lostWhileDucked:
		// Target came back after vanishing while ducked. Re-apply whatever
		// the trigger says regardless of DuckState.
		want = DecisionRestore
		if playing {
			want = DecisionDuck
		}
		m.logger.Info("target returned after disappearing while ducked", "target", m.cfg.Target, "reapply", want)
	case playing && !m.ducked:
		want = DecisionDuck
	case !playing && m.ducked:
		want = DecisionRestore
	default:
		return DecisionNone, nil
	}

	if want == DecisionDuck {
		err = m.Duck(ctx, target)
	} else {
		err = m.Restore(ctx, target)
	}
	if err != nil {
		if errors.Is(err, ErrPlayerGone) {
			m.logger.Warn("target exited during transition", "target", m.cfg.Target, "error", err)
			return m.targetAbsent(), nil
		}
		return DecisionNone, err
	}
	m.lostWhileDucked = false
	return want, nil
}

// triggerPlaying resolves the trigger and reads its status.
// Absent or unreadable means not playing; only transport errors are returned.
func (m *Monitor) triggerPlaying(ctx context.Context) (bool, error) {
	trigger, ok, err := m.dir.Find(ctx, m.cfg.Trigger)
	if err != nil {
		return false, fmt.Errorf("find trigger %q: %w", m.cfg.Trigger, err)
	}
	if !ok {
		return false, nil
	}

	playing, err := isPlaying(ctx, trigger)
	if err != nil {
		if !errors.Is(err, ErrPlayerGone) {
			m.logger.Warn("cannot read trigger playback status; assuming not playing", "trigger", m.cfg.Trigger, "error", err)
		}
		return false, nil
	}
	return playing, nil
}

func (m *Monitor) targetAbsent() Decision {
	if m.ducked && !m.lostWhileDucked {
		m.lostWhileDucked = true
		m.logger.Info("target disappeared while ducked", "target", m.cfg.Target)
	}
	m.setTargetPresent(false)
	return DecisionTargetAbsent
}

func (m *Monitor) setTargetPresent(present bool) {
	if m.targetPresent == present {
		return
	}
	m.targetPresent = present
	m.logger.Debug("target presence changed", "target", m.cfg.Target, "present", present)
	m.publish(BroadcastTargetPresence{Present: present, At: time.Now()})
}

// publish never blocks the monitor; broadcasts are dropped when the sink is full.
func (m *Monitor) publish(b StateBroadcast) {
	if m.broadcasts == nil {
		return
	}
	select {
	case m.broadcasts <- b:
	default:
		m.logger.Warn("state broadcast queue full; dropping", "broadcast", fmt.Sprintf("%T", b))
	}
}

// Snapshot returns a copy of the monitor state.
func (m *Monitor) Snapshot() StateSnapshot {
	return StateSnapshot{
		Trigger:       m.cfg.Trigger,
		Target:        m.cfg.Target,
		Ducked:        m.ducked,
		TargetPresent: m.targetPresent,
		LowerVolume:   m.cfg.LowerVolume,
		NormalVolume:  m.cfg.NormalVolume,
		LastDecision:  m.lastDecision.String(),
		LastTickAt:    m.lastTickAt,
		DucksFired:    m.ducks,
		RestoresFired: m.restores,
	}
}

// Run polls until ctx is canceled or a fatal error occurs.
// Non-fatal errors are logged and polling continues.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitoring",
		"trigger", m.cfg.Trigger,
		"target", m.cfg.Target,
		"lower", m.cfg.LowerVolume,
		"normal", m.cfg.NormalVolume,
		"poll_interval", m.cfg.PollInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping (context canceled)", "ducked", m.ducked)
			return nil

		case req := <-m.requests:
			m.reply(req)

		case <-timer.C:
			d, err := m.Step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				if isFatal(err) {
					return err
				}
				m.logger.Error("monitor tick failed", "error", err)
			}

			next := m.cfg.PollInterval
			if d == DecisionTargetAbsent {
				next = m.cfg.TargetAbsentPoll
			}
			timer.Reset(next)
		}
	}
}

func (m *Monitor) reply(req RequestStateSnapshot) {
	if req.Reply == nil {
		m.logger.Warn("state snapshot requested with nil reply channel")
		return
	}
	select {
	case req.Reply <- m.Snapshot():
	default:
		m.logger.Warn("state snapshot reply channel not ready; dropping snapshot")
	}
}
