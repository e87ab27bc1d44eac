// Package cron schedules recurring and one-shot jobs and dispatches their
// actions into the bus, the agent runtime, or a channel.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ScheduleKind selects how a job's next fire time is computed.
type ScheduleKind string

const (
	// KindAtOnce fires exactly once at a fixed time.
	KindAtOnce ScheduleKind = "at_once"
	// KindEvery fires on a fixed interval anchored at a start time.
	KindEvery ScheduleKind = "every"
	// KindCron follows a standard cron expression.
	KindCron ScheduleKind = "cron"
)

// Schedule describes when a job fires. Only the fields for its Kind are used.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	At time.Time `json:"at,omitempty"` // at_once

	IntervalSec int64     `json:"interval_sec,omitempty"` // every
	Anchor      time.Time `json:"anchor,omitempty"`       // every, defaults to first enable

	Expr string `json:"expr,omitempty"` // cron
	TZ   string `json:"tz,omitempty"`   // IANA zone for cron, default UTC
}

// Validate rejects schedules that can never fire or cannot be computed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAtOnce:
		if s.At.IsZero() {
			return fmt.Errorf("cron: at_once schedule needs a time")
		}
	case KindEvery:
		if s.IntervalSec <= 0 {
			return fmt.Errorf("cron: every schedule needs a positive interval")
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("cron: invalid expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("cron: invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("cron: unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextFire computes the next fire time strictly after now. ok is false when
// the schedule has no future fire (a spent at_once job).
func NextFire(s Schedule, now time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case KindAtOnce:
		if s.At.After(now) {
			return s.At, true, nil
		}
		return time.Time{}, false, nil

	case KindEvery:
		interval := time.Duration(s.IntervalSec) * time.Second
		if interval <= 0 {
			return time.Time{}, false, fmt.Errorf("cron: non-positive interval")
		}
		anchor := s.Anchor
		if anchor.IsZero() {
			anchor = now
		}
		if anchor.After(now) {
			return anchor, true, nil
		}
		steps := now.Sub(anchor)/interval + 1
		return anchor.Add(steps * interval), true, nil

	case KindCron:
		loc := time.UTC
		if s.TZ != "" {
			loc, err = time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("cron: load timezone: %w", err)
			}
		}
		next, err = gronx.NextTickAfter(s.Expr, now.In(loc), false)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("cron: next tick for %q: %w", s.Expr, err)
		}
		return next, true, nil

	default:
		return time.Time{}, false, fmt.Errorf("cron: unknown schedule kind %q", s.Kind)
	}
}
