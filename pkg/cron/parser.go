// Package cron runs jobs on cron expressions such as "*/5 * * * *" or
// descriptors such as "@every 30s".
package cron

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCronExpression = errors.New("invalid cron expression")

// Schedule is a parsed expression bound to a time zone.
type Schedule struct {
	spec cron.Schedule
	loc  *time.Location
}

func ParseCronExpression(expr, timezone string) (*Schedule, error) {
	if expr == "" {
		return nil, ErrInvalidCronExpression
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	spec, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronExpression, err)
	}

	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, errors.Join(ErrInvalidCronExpression, err)
		}
	}

	return &Schedule{
		spec: spec,
		loc:  loc,
	}, nil
}

// Next returns the first activation strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	if s == nil || s.spec == nil {
		return time.Time{}
	}

	return s.spec.Next(from.In(s.loc))
}
