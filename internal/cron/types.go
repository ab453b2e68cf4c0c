package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
)

// Actions understood by the gateway's job handler.
const (
	ActionKeepAlive   = "keepalive"
	ActionMemoryStats = "memory-stats"
)

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

// Validate checks the schedule can be registered. Cron expressions carry a
// leading seconds field.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EveryMs < 1000 {
			return fmt.Errorf("every schedule needs at least 1000ms, got %d", s.EveryMs)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func (s Schedule) schedule() (rcron.Schedule, error) {
	if s.Kind == KindEvery {
		return rcron.Every(time.Duration(s.EveryMs) * time.Millisecond), nil
	}
	return parser.Parse(s.Expr)
}

func (s Schedule) String() string {
	if s.Kind == KindEvery {
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	}
	return s.Expr
}

type Payload struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	State    JobState `json:"state"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:       uuid.NewString()[:8],
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload:  payload,
	}
}
