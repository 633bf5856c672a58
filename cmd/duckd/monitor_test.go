package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeDirectory is a test double for PlayerDirectory keyed by identity.
type fakeDirectory struct {
	players map[string]*fakePlayer
	err     error
}

func newFakeDirectory(players ...*fakePlayer) *fakeDirectory {
	d := &fakeDirectory{players: make(map[string]*fakePlayer)}
	for _, p := range players {
		d.players[p.identity] = p
	}
	return d
}

func (d *fakeDirectory) Find(ctx context.Context, identity string) (Player, bool, error) {
	if d.err != nil {
		return nil, false, d.err
	}
	p, ok := d.players[identity]
	if !ok {
		return nil, false, nil
	}
	return p, true, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Trigger:          "browser",
		Target:           "music",
		LowerVolume:      45,
		NormalVolume:     80,
		PollInterval:     5 * time.Millisecond,
		TargetAbsentPoll: 10 * time.Millisecond,
	}
}

// newTestMonitor returns a monitor whose transitions never sleep.
func newTestMonitor(dir PlayerDirectory) *Monitor {
	return NewMonitor(testMonitorConfig(), dir, NewTransitioner(0, nil), discardLogger())
}

func mustStep(t *testing.T, m *Monitor) Decision {
	t.Helper()
	d, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return d
}

func TestMonitor_DucksOnceAndRestoresOnce(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	target := newFakePlayer("music", 0.8)
	m := newTestMonitor(newFakeDirectory(trigger, target))

	sequence := []struct {
		status PlaybackStatus
		want   Decision
	}{
		{StatusPaused, DecisionNone},
		{StatusPlaying, DecisionDuck},
		{StatusPlaying, DecisionNone},
		{StatusPlaying, DecisionNone},
		{StatusPaused, DecisionRestore},
		{StatusStopped, DecisionNone},
	}

	for i, s := range sequence {
		trigger.status = s.status
		if got := mustStep(t, m); got != s.want {
			t.Fatalf("tick %d (%s): decision = %s, want %s", i, s.status, got, s.want)
		}
	}

	if len(target.writes) != 70 {
		t.Fatalf("target writes = %d, want 70 (one duck + one restore)", len(target.writes))
	}
	if got := LevelFromFraction(target.volume); got != 80 {
		t.Fatalf("final volume = %d, want 80", got)
	}
	if len(trigger.writes) != 0 {
		t.Fatalf("trigger must never be written, got %v", trigger.writes)
	}

	snap := m.Snapshot()
	if snap.DucksFired != 1 || snap.RestoresFired != 1 || snap.Ducked {
		t.Fatalf("snapshot = %+v, want 1 duck, 1 restore, not ducked", snap)
	}
}

func TestMonitor_UnreadableTriggerCountsAsNotPlaying(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	m := newTestMonitor(newFakeDirectory(trigger, target))

	if got := mustStep(t, m); got != DecisionDuck {
		t.Fatalf("decision = %s, want duck", got)
	}

	trigger.statusErr = errors.New("no reply")
	if got := mustStep(t, m); got != DecisionRestore {
		t.Fatalf("decision = %s, want restore", got)
	}
	if m.Ducked() {
		t.Fatalf("expected not ducked after fail-safe restore")
	}
}

func TestMonitor_TargetAbsentDoesNothing(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	m := newTestMonitor(newFakeDirectory(trigger))

	for i := 0; i < 3; i++ {
		if got := mustStep(t, m); got != DecisionTargetAbsent {
			t.Fatalf("tick %d: decision = %s, want target_absent", i, got)
		}
	}
	if m.Ducked() {
		t.Fatalf("must not duck without a target")
	}
	if m.Snapshot().TargetPresent {
		t.Fatalf("snapshot reports target present")
	}
}

func TestMonitor_RestoresWhenTriggerDisappears(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	dir := newFakeDirectory(trigger, target)
	m := newTestMonitor(dir)

	if got := mustStep(t, m); got != DecisionDuck {
		t.Fatalf("decision = %s, want duck", got)
	}

	delete(dir.players, "browser")
	if got := mustStep(t, m); got != DecisionRestore {
		t.Fatalf("decision = %s, want restore", got)
	}
	if got := mustStep(t, m); got != DecisionNone {
		t.Fatalf("decision = %s, want none", got)
	}
	if got := LevelFromFraction(target.volume); got != 80 {
		t.Fatalf("final volume = %d, want 80", got)
	}
}

func TestMonitor_ReappliesDuckWhenTargetReturns(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	dir := newFakeDirectory(trigger, target)
	m := newTestMonitor(dir)

	if got := mustStep(t, m); got != DecisionDuck {
		t.Fatalf("decision = %s, want duck", got)
	}

	delete(dir.players, "music")
	if got := mustStep(t, m); got != DecisionTargetAbsent {
		t.Fatalf("decision = %s, want target_absent", got)
	}

	// A new session starts at full volume.
	restarted := newFakePlayer("music", 0.8)
	dir.players["music"] = restarted

	if got := mustStep(t, m); got != DecisionDuck {
		t.Fatalf("decision = %s, want duck re-applied", got)
	}
	if got := LevelFromFraction(restarted.volume); got != 45 {
		t.Fatalf("restarted volume = %d, want 45", got)
	}
	if got := mustStep(t, m); got != DecisionNone {
		t.Fatalf("decision = %s, want none", got)
	}
}

func TestMonitor_RestoresWhenTargetReturnsAfterTriggerStopped(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	dir := newFakeDirectory(trigger, target)
	m := newTestMonitor(dir)

	mustStep(t, m)
	delete(dir.players, "music")
	mustStep(t, m)

	trigger.status = StatusPaused
	restarted := newFakePlayer("music", 0.3)
	dir.players["music"] = restarted

	if got := mustStep(t, m); got != DecisionRestore {
		t.Fatalf("decision = %s, want restore", got)
	}
	if m.Ducked() {
		t.Fatalf("expected not ducked")
	}
	if got := LevelFromFraction(restarted.volume); got != 80 {
		t.Fatalf("restarted volume = %d, want 80", got)
	}
}

func TestMonitor_TargetExitsDuringTransition(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	target.volumeErr = fmt.Errorf("%w: service unknown", ErrPlayerGone)
	m := newTestMonitor(newFakeDirectory(trigger, target))

	d, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if d != DecisionTargetAbsent {
		t.Fatalf("decision = %s, want target_absent", d)
	}
	if m.Ducked() {
		t.Fatalf("must not be ducked when the duck never ran")
	}
}

func TestMonitor_BaselineFailureIsFatal(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	target.volumeErr = errors.New("timeout")
	m := newTestMonitor(newFakeDirectory(trigger, target))

	_, err := m.Step(context.Background())
	if !errors.Is(err, ErrBaseline) || !isFatal(err) {
		t.Fatalf("err = %v, want fatal ErrBaseline", err)
	}
}

func TestMonitor_PublishesBroadcasts(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	dir := newFakeDirectory(trigger, target)
	m := newTestMonitor(dir)

	broadcasts := make(chan StateBroadcast, 8)
	m.Attach(nil, broadcasts)

	mustStep(t, m)
	delete(dir.players, "music")
	mustStep(t, m)

	var got []StateBroadcast
	for len(broadcasts) > 0 {
		got = append(got, <-broadcasts)
	}
	if len(got) != 3 {
		t.Fatalf("broadcasts = %d (%v), want 3", len(got), got)
	}
	if p, ok := got[0].(BroadcastTargetPresence); !ok || !p.Present {
		t.Fatalf("broadcast 0 = %#v, want target present", got[0])
	}
	if d, ok := got[1].(BroadcastDucked); !ok || d.Level != 45 {
		t.Fatalf("broadcast 1 = %#v, want ducked to 45", got[1])
	}
	if p, ok := got[2].(BroadcastTargetPresence); !ok || p.Present {
		t.Fatalf("broadcast 2 = %#v, want target absent", got[2])
	}
}

func TestMonitor_FullBroadcastQueueDoesNotBlock(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	m := newTestMonitor(newFakeDirectory(trigger, target))
	m.Attach(nil, make(chan StateBroadcast))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Step(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Step blocked on an unread broadcast channel")
	}
}

func TestMonitor_RunReturnsFatalTransportError(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = fmt.Errorf("%w: connection closed", ErrTransport)
	m := newTestMonitor(dir)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("Run err = %v, want ErrTransport", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return on a transport error")
	}
}

func TestMonitor_RunAnswersSnapshotsAndStops(t *testing.T) {
	trigger := newFakePlayer("browser", 1.0)
	trigger.status = StatusPlaying
	target := newFakePlayer("music", 0.8)
	m := newTestMonitor(newFakeDirectory(trigger, target))

	requests := make(chan RequestStateSnapshot)
	m.Attach(requests, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		snap, err := requestSnapshot(ctx, requests, 100*time.Millisecond)
		return err == nil && snap.Ducked && snap.DucksFired == 1
	}, "monitor never reported the duck")

	snap, err := requestSnapshot(ctx, requests, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("requestSnapshot: %v", err)
	}
	if snap.Trigger != "browser" || snap.Target != "music" || !snap.TargetPresent {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.LastTickAt.IsZero() {
		t.Fatalf("snapshot has no tick time")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run err = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}

func TestDecisionString(t *testing.T) {
	tests := map[Decision]string{
		DecisionNone:         "none",
		DecisionDuck:         "duck",
		DecisionRestore:      "restore",
		DecisionTargetAbsent: "target_absent",
		Decision(42):         "unknown",
	}
	for d, want := range tests {
		if got := d.String(); got != want {
			t.Errorf("Decision(%d).String() = %q, want %q", int(d), got, want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", fmt.Errorf("list: %w", ErrTransport), true},
		{"baseline", fmt.Errorf("%w of %q", ErrBaseline, "music"), true},
		{"gone", fmt.Errorf("get volume: %w", ErrPlayerGone), false},
		{"gone over transport", fmt.Errorf("%w: %w", ErrTransport, ErrPlayerGone), false},
		{"other", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		if got := isFatal(tt.err); got != tt.want {
			t.Errorf("%s: isFatal = %v, want %v", tt.name, got, tt.want)
		}
	}
}
