// Package queue implements the crash-safe, per-project sequential job queue
// at the heart of Valor. Every incoming chat message becomes a Job; jobs are
// persisted in SQLite, executed one at a time per project, and carry enough
// state to survive process restarts without losing a reply.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. Transitions only move forward:
// pending → running → {completed, failed}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DeliveryState is the observable outcome of a job with respect to what was
// actually sent to the user. Every job ends in exactly one delivered_* state.
type DeliveryState string

const (
	DeliveryReceived   DeliveryState = "received"
	DeliveryProcessing DeliveryState = "processing"
	DeliveredAck       DeliveryState = "delivered_ack"
	DeliveredReply     DeliveryState = "delivered_reply"
	DeliveredError     DeliveryState = "delivered_error"
)

// Terminal reports whether the delivery state is one of the delivered_* states.
func (d DeliveryState) Terminal() bool {
	return d == DeliveredAck || d == DeliveredReply || d == DeliveredError
}

// MaxAutoContinues is the hard cap on auto-continuation rounds for one
// session chain. Beyond the cap the chain is force-finalized as a completion
// rather than looping or dropping silently.
const MaxAutoContinues = 3

// Job is the unit of work: one message (or one auto-continuation round)
// destined for an agent session.
type Job struct {
	// ID is the unique job identifier, assigned at creation.
	ID string

	// ProjectKey partitions the queue; jobs within a project run sequentially.
	ProjectKey string

	// Status is the lifecycle state.
	Status Status

	// Priority orders jobs within a project (higher runs first).
	Priority int

	// CreatedAt is the secondary sort key (FIFO within a priority).
	CreatedAt time.Time

	// UpdatedAt tracks the last state transition.
	UpdatedAt time.Time

	// SessionID ties the job to a conversational session. Continuation jobs
	// for the same exchange share this ID so the engine can resume context.
	SessionID string

	// WorkingDir is the project tree the agent runs in.
	WorkingDir string

	// MessageText is the prompt: the user's message, or a coaching message
	// for continuation jobs.
	MessageText string

	// Channel is the transport the message arrived on ("whatsapp", "discord",
	// "console").
	Channel string

	// SenderName is the display name of the sender, for prompt context.
	SenderName string

	// ChatID and MessageID identify the originating chat message, so
	// reactions on continuation jobs still target the original message.
	ChatID    string
	MessageID string

	// ChatTitle is the group/chat title, when known.
	ChatTitle string

	// AutoContinueCount is how many continuation rounds preceded this job in
	// its session chain. Monotonic, capped at MaxAutoContinues.
	AutoContinueCount int

	// Resume tells the session engine to resume the existing session instead
	// of starting a fresh one. Set on continuation jobs.
	Resume bool

	// RevivalContext is set when this job is a recovery re-enqueue after a
	// crash or a watchdog revival. At most one revival per session chain.
	RevivalContext string

	// WorktreeDir is the isolated workspace assigned to this job, when
	// workspace isolation is enabled. Empty in the sequential baseline.
	WorktreeDir string

	// Delivery is the per-job delivery state.
	Delivery DeliveryState

	// Error holds the failure message for failed jobs.
	Error string
}

// NewJob creates a pending job with a fresh ID and session.
func NewJob(projectKey, workingDir, messageText string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		ProjectKey:  projectKey,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		SessionID:   uuid.NewString(),
		WorkingDir:  workingDir,
		MessageText: messageText,
		Delivery:    DeliveryReceived,
	}
}

// Continuation builds the follow-up job for an auto-continue round: same
// session, same chat/message identity, incremented counter, resume enabled.
func (j *Job) Continuation(coaching string) *Job {
	prompt := coaching
	if prompt == "" {
		prompt = "continue"
	}
	now := time.Now().UTC()
	return &Job{
		ID:                uuid.NewString(),
		ProjectKey:        j.ProjectKey,
		Status:            StatusPending,
		Priority:          j.Priority,
		CreatedAt:         now,
		UpdatedAt:         now,
		SessionID:         j.SessionID,
		WorkingDir:        j.WorkingDir,
		MessageText:       prompt,
		Channel:           j.Channel,
		SenderName:        j.SenderName,
		ChatID:            j.ChatID,
		MessageID:         j.MessageID,
		ChatTitle:         j.ChatTitle,
		AutoContinueCount: j.AutoContinueCount + 1,
		Resume:            true,
		Delivery:          DeliveryReceived,
	}
}
