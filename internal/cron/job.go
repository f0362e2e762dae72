package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/session"
)

var (
	ErrDuplicateID     = errors.New("cron job id already exists")
	ErrScheduleInvalid = errors.New("invalid cron schedule")
	ErrNotFound        = errors.New("cron job not found")
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors such as @daily. A CRON_TZ= prefix selects the
// time zone.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Kind string

const (
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
	KindAt    Kind = "at"
)

// Schedule describes when a job fires. Exactly one of Every, Expr or At is
// meaningful, selected by Kind.
type Schedule struct {
	Kind  Kind          `json:"kind"`
	Every time.Duration `json:"every,omitempty"`
	Expr  string        `json:"expr,omitempty"`
	TZ    string        `json:"tz,omitempty"`
	At    time.Time     `json:"at,omitzero"`
}

func Every(d time.Duration) Schedule { return Schedule{Kind: KindEvery, Every: d} }
func At(t time.Time) Schedule { return Schedule{Kind: KindAt, At: t} }
func Expr(expr, tz string) Schedule { return Schedule{Kind: KindCron, Expr: expr, TZ: tz} }

func (s Schedule) String() string {
	switch s.Kind {
	case KindEvery:
		return "every " + s.Every.String()
	case KindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	case KindAt:
		return "at " + s.At.UTC().Format(time.RFC3339)
	}
	return string(s.Kind)
}

// Validate reports ErrScheduleInvalid for malformed schedules.
func (s Schedule) Validate() error {
	if s.TZ != "" && s.Kind != KindCron {
		return fmt.Errorf("%w: tz can only be used with cron schedules", ErrScheduleInvalid)
	}
	switch s.Kind {
	case KindEvery:
		if s.Every < time.Second {
			return fmt.Errorf("%w: interval must be at least 1s, got %v", ErrScheduleInvalid, s.Every)
		}
		// Intervals are stored in whole seconds.
		if s.Every%time.Second != 0 {
			return fmt.Errorf("%w: interval must be a whole number of seconds, got %v", ErrScheduleInvalid, s.Every)
		}
	case KindCron:
		if _, err := s.parse(); err != nil {
			return err
		}
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("%w: one-time schedule needs a time", ErrScheduleInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrScheduleInvalid, s.Kind)
	}
	return nil
}

func (s Schedule) parse() (cronlib.Schedule, error) {
	expr := strings.TrimSpace(s.Expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrScheduleInvalid)
	}
	if s.TZ != "" {
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrScheduleInvalid, s.TZ)
		}
		expr = "CRON_TZ=" + s.TZ + " " + expr
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
	}
	return sched, nil
}

// next returns the first fire time strictly after t for recurring kinds, or
// the fixed time for one-time jobs. Zero means never.
func (s Schedule) next(t time.Time) time.Time {
	switch s.Kind {
	case KindEvery:
		return t.Add(s.Every)
	case KindCron:
		sched, err := s.parse()
		if err != nil {
			return time.Time{}
		}
		return sched.Next(t)
	case KindAt:
		return s.At
	}
	return time.Time{}
}

// NextRunTime returns the next fire time of a cron expression after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := Expr(cronExpr, "").parse()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Job is a scheduled synthetic message.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	Message  string   `json:"message"`
	// Target is the conversation that receives the turn. Empty means a
	// private "cron:<id>" conversation whose replies go nowhere.
	Target  session.Key `json:"target"`
	Enabled bool        `json:"enabled"`
	Silent  bool        `json:"silent"`

	LastRunAt time.Time `json:"last_run_at,omitzero"`
	NextRunAt time.Time `json:"next_run_at,omitzero"`
	RunCount  int       `json:"run_count"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (j Job) target() session.Key {
	if j.Target.Channel == "" || j.Target.ChatID == "" {
		return session.Key{Channel: "cron", ChatID: j.ID}
	}
	return j.Target
}

func (j Job) record() persistence.CronJobRecord {
	rec := persistence.CronJobRecord{
		ID:            j.ID,
		Name:          j.Name,
		Kind:          string(j.Schedule.Kind),
		EverySeconds:  int64(j.Schedule.Every / time.Second),
		Expr:          j.Schedule.Expr,
		TZ:            j.Schedule.TZ,
		Message:       j.Message,
		TargetChannel: j.Target.Channel,
		TargetChatID:  j.Target.ChatID,
		Enabled:       j.Enabled,
		Silent:        j.Silent,
		RunCount:      j.RunCount,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
	}
	rec.At = optTime(j.Schedule.At)
	rec.LastRunAt = optTime(j.LastRunAt)
	rec.NextRunAt = optTime(j.NextRunAt)
	return rec
}

func jobFromRecord(rec persistence.CronJobRecord) Job {
	j := Job{
		ID:   rec.ID,
		Name: rec.Name,
		Schedule: Schedule{
			Kind:  Kind(rec.Kind),
			Every: time.Duration(rec.EverySeconds) * time.Second,
			Expr:  rec.Expr,
			TZ:    rec.TZ,
		},
		Message:   rec.Message,
		Target:    session.Key{Channel: rec.TargetChannel, ChatID: rec.TargetChatID},
		Enabled:   rec.Enabled,
		Silent:    rec.Silent,
		RunCount:  rec.RunCount,
		LastError: rec.LastError,
		CreatedAt: rec.CreatedAt,
	}
	if rec.At != nil {
		j.Schedule.At = *rec.At
	}
	if rec.LastRunAt != nil {
		j.LastRunAt = *rec.LastRunAt
	}
	if rec.NextRunAt != nil {
		j.NextRunAt = *rec.NextRunAt
	}
	return j
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// triggerText is the prompt the agent receives when a job fires.
func triggerText(j Job, firedAt time.Time) string {
	var sb strings.Builder
	sb.WriteString("[scheduled task triggered]\n")
	fmt.Fprintf(&sb, "job: %s (%s)\n", j.Name, j.ID)
	fmt.Fprintf(&sb, "schedule: %s\n", j.Schedule)
	fmt.Fprintf(&sb, "time: %s\n\n", firedAt.Format(time.RFC3339))
	sb.WriteString(j.Message)
	return sb.String()
}
