package main

import (
	"context"
	"errors"
)

// PlaybackStatus is the MPRIS PlaybackStatus property value.
type PlaybackStatus string

const (
	StatusPlaying PlaybackStatus = "Playing"
	StatusPaused  PlaybackStatus = "Paused"
	StatusStopped PlaybackStatus = "Stopped"
)

// Player is a live handle to a running media player.
// The handle may become invalid at any time when the player exits;
// methods then return an error wrapping ErrPlayerGone.
type Player interface {
	Identity() string
	PlaybackStatus(ctx context.Context) (PlaybackStatus, error)

	// Volume returns the MPRIS volume in [0.0, 1.0].
	Volume(ctx context.Context) (float64, error)
	SetVolume(ctx context.Context, v float64) error
}

// PlayerDirectory resolves a player identity (e.g. "Spotify") to a handle.
//
// A player that is simply not running is reported as (nil, false, nil).
// Errors wrap ErrTransport only when the control surface is lost for good;
// anything else (a timed-out listing) is transient.
type PlayerDirectory interface {
	Find(ctx context.Context, identity string) (Player, bool, error)
}

var (
	// ErrTransport means the session bus cannot be contacted at all.
	ErrTransport = errors.New("player transport unavailable")

	// ErrBaseline means the current volume could not be read before a transition.
	ErrBaseline = errors.New("cannot read baseline volume")

	// ErrPlayerGone means the player behind a handle has left the bus.
	ErrPlayerGone = errors.New("player is gone")

	// ErrPlayerNotFound is returned by one-shot commands when the target is absent.
	ErrPlayerNotFound = errors.New("player not found")
)

// isFatal reports whether err must terminate the process.
// Absence and transient read/write failures never are.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPlayerGone) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrBaseline)
}

// isPlaying reports whether p is currently playing.
func isPlaying(ctx context.Context, p Player) (bool, error) {
	status, err := p.PlaybackStatus(ctx)
	if err != nil {
		return false, err
	}
	return status == StatusPlaying, nil
}
