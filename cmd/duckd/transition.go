package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Volume Transition Engine
// ============================================================================
//
// A transition walks the target's volume from its current level to the
// desired level one percent at a time. The total duration is fixed, so
// 80→45 and 80→79 both take about the configured duration: the per-step
// delay is total/n, minus the time the write itself took.
//
// Write failures are collected per step and never abort the walk.
// Only a failed baseline read aborts (nothing to plan from).
// ============================================================================

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the production Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TransitionPlan is the step sequence for one transition.
type TransitionPlan struct {
	Steps     []VolumeLevel
	StepDelay time.Duration
}

// StepResult is the outcome of writing one step.
type StepResult struct {
	Level VolumeLevel
	Err   error
}

// Transitioner applies paced volume transitions to a Player.
type Transitioner struct {
	duration time.Duration
	sleep    Sleeper
	now      func() time.Time
}

// NewTransitioner returns an engine whose transitions take about duration.
// A nil sleep uses real, context-aware sleeps.
func NewTransitioner(duration time.Duration, sleep Sleeper) *Transitioner {
	if sleep == nil {
		sleep = sleepContext
	}
	return &Transitioner{
		duration: duration,
		sleep:    sleep,
		now:      time.Now,
	}
}

// Plan computes the steps from current to desired.
// The current level is not repeated; the last step is always desired.
func (t *Transitioner) Plan(current, desired VolumeLevel) TransitionPlan {
	current, desired = current.Clamp(), desired.Clamp()

	n := distance(current, desired)
	if n == 0 {
		return TransitionPlan{}
	}

	steps := make([]VolumeLevel, 0, n)
	if desired < current {
		for v := int(current) - 1; v >= int(desired); v-- {
			steps = append(steps, VolumeLevel(v))
		}
	} else {
		for v := int(current) + 1; v <= int(desired); v++ {
			steps = append(steps, VolumeLevel(v))
		}
	}

	return TransitionPlan{
		Steps:     steps,
		StepDelay: t.duration / time.Duration(n),
	}
}

// Transition moves p's volume to desired.
//
// It returns one StepResult per write. The error is non-nil only when the
// baseline volume cannot be read (wraps ErrBaseline, or ErrPlayerGone when the
// player has exited) or when ctx ends mid-transition.
func (t *Transitioner) Transition(ctx context.Context, p Player, desired VolumeLevel) ([]StepResult, error) {
	raw, err := p.Volume(ctx)
	if err != nil {
		if errors.Is(err, ErrPlayerGone) {
			return nil, fmt.Errorf("read baseline volume of %q: %w", p.Identity(), err)
		}
		return nil, fmt.Errorf("%w of %q: %w", ErrBaseline, p.Identity(), err)
	}
	current := LevelFromFraction(raw)

	plan := t.Plan(current, desired)
	if len(plan.Steps) == 0 {
		return nil, nil
	}

	results := make([]StepResult, 0, len(plan.Steps))
	for _, level := range plan.Steps {
		start := t.now()
		err := p.SetVolume(ctx, level.Fraction())
		results = append(results, StepResult{Level: level, Err: err})

		// Slow writes eat into the step budget; saturate at zero.
		remaining := plan.StepDelay - t.now().Sub(start)
		if remaining > 0 {
			if err := t.sleep(ctx, remaining); err != nil {
				return results, err
			}
		}
	}

	return results, nil
}

// failedSteps counts the steps whose write failed.
func failedSteps(results []StepResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
