package scheduler

import "errors"

var (
	// ErrInvalidSchedule is returned when a cron expression cannot be parsed
	ErrInvalidSchedule = errors.New("invalid schedule expression")

	// ErrNoNextFire is returned when a schedule has no activation in the future
	ErrNoNextFire = errors.New("schedule has no future fire time")
)
