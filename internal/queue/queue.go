// Package queue is the durable at-least-once delivery queue. Jobs are keyed by
// event id, leased to one worker at a time and retried with exponential backoff
// until they complete or run out of attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmpty     = errors.New("queue: no eligible job")
	ErrNotFound  = errors.New("queue: job not found")
	ErrLeaseLost = errors.New("queue: lease held by another worker")
	ErrClosed    = errors.New("queue: closed")
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Admission int

const (
	Accepted Admission = iota
	AlreadyAdmitted
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case AlreadyAdmitted:
		return "already_admitted"
	default:
		return "unknown"
	}
}

// Job is a snapshot of one queued delivery. Attempts counts failed attempts so
// far; Attempt is set on dequeue to the 1-based number of the attempt being made.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	Attempt     int             `json:"attempt,omitempty"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RunAt       time.Time       `json:"runAt"`
	LeaseToken  string          `json:"-"`
	LeaseOwner  string          `json:"leaseOwner,omitempty"`
	LeaseUntil  time.Time       `json:"leaseUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
	// Stalls counts leases that expired without a transition.
	Stalls int `json:"stalls,omitempty"`
}

// Transition is the outcome of Complete, Fail or Release. Applied is false when
// the job was already terminal and nothing changed.
type Transition struct {
	JobID    string    `json:"jobId"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Applied  bool      `json:"applied"`
	Attempts int       `json:"attempts"`
	RunAt    time.Time `json:"runAt,omitempty"`
}

type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is implemented by Memory and Postgres.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, payload json.RawMessage) (Admission, error)
	DequeueNext(ctx context.Context, workerID string) (Job, error)
	Complete(ctx context.Context, jobID, leaseToken string) (Transition, error)
	Fail(ctx context.Context, jobID, leaseToken string, cause error) (Transition, error)
	Release(ctx context.Context, jobID, leaseToken string) (Transition, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	Counts(ctx context.Context) (Counts, error)
	GetWaitingCount(ctx context.Context) (int, error)
	Reap(ctx context.Context) (int, error)
	// Ready returns a channel that is closed the next time a job may have
	// become eligible.
	Ready() <-chan struct{}
	Close() error
}

const (
	DefaultMaxAttempts   = 5
	DefaultBaseDelay     = time.Second
	DefaultLeaseDuration = 30 * time.Second
	DefaultKeepCompleted = 1000
	DefaultKeepFailed    = 5000
	DefaultRetentionAge  = 24 * time.Hour
	DefaultMaxStalls     = 3
)

type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration // 0 means uncapped
	LeaseDuration time.Duration
	KeepCompleted int
	KeepFailed    int
	RetentionAge  time.Duration

	// MaxStalls is how many expired leases a job survives before it is
	// failed. Stalls do not consume delivery attempts. Negative is unlimited.
	MaxStalls int
	Notifier  Notifier
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.KeepCompleted < 0 {
		o.KeepCompleted = 0
	} else if o.KeepCompleted == 0 {
		o.KeepCompleted = DefaultKeepCompleted
	}
	if o.KeepFailed < 0 {
		o.KeepFailed = 0
	} else if o.KeepFailed == 0 {
		o.KeepFailed = DefaultKeepFailed
	}
	if o.RetentionAge == 0 {
		o.RetentionAge = DefaultRetentionAge
	}
	if o.MaxStalls == 0 {
		o.MaxStalls = DefaultMaxStalls
	}
	if o.Notifier == nil {
		o.Notifier = NewLocalNotifier()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Backoff returns base * 2^(attempt-1), saturating instead of overflowing and
// capped at maxDelay when maxDelay > 0. attempt values below 1 are treated as 1.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	var d time.Duration
	if shift >= 63 || base > time.Duration(math.MaxInt64>>uint(shift)) {
		d = time.Duration(math.MaxInt64)
	} else {
		d = base << uint(shift)
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// causeText flattens a failure cause for storage.
func stalledText(stalls int) string {
	return fmt.Sprintf("lease expired %d times without a result", stalls)
}

func causeText(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
