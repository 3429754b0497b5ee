// Package cron validates five-field cron expressions and computes fire times.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// ErrInvalidCron is returned for expressions that are not exactly five valid
// fields (minute hour day-of-month month day-of-week).
var ErrInvalidCron = errors.New("invalid cron expression")

// Schedule is a parsed, validated expression.
type Schedule struct {
	expr *cronexpr.Expression
	raw  string
}

func (s Schedule) String() string { return s.raw }

// Next returns the earliest matching instant strictly after t, in t's location.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	next := s.expr.Next(t)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires after %s", ErrInvalidCron, s.raw, t.Format(time.RFC3339))
	}
	return next, nil
}

func Parse(expr string) (Schedule, error) {
	normalized := strings.Join(strings.Fields(expr), " ")
	if n := len(strings.Fields(normalized)); n != 5 {
		return Schedule{}, fmt.Errorf("%w: %q has %d fields, want 5", ErrInvalidCron, expr, n)
	}
	parsed, err := cronexpr.Parse(normalized)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return Schedule{expr: parsed, raw: normalized}, nil
}

// ComputeNext parses expr and returns its first fire time strictly after after.
func ComputeNext(expr string, after time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after)
}

// Normalize collapses whitespace so equal schedules compare equal.
func Normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}
