// Package model holds the shared data types persisted by storage and
// exchanged between the engine components.
//
// Everything here is plain data: references between entities are by
// identifier, never by pointer, so records can be copied and persisted
// freely.
package model

import "time"

// JobType identifies a generation job kind. The set is closed; pricing and
// provider routing are keyed by it.
type JobType string

const (
	TypeText   JobType = "text"
	TypeImage  JobType = "image"
	TypeVideo  JobType = "video"
	TypeAudio  JobType = "audio"
	TypeThreeD JobType = "3d"
)

// JobTypes lists all supported job types in a stable order.
var JobTypes = []JobType{TypeText, TypeImage, TypeVideo, TypeAudio, TypeThreeD}

// ParseJobType validates a user-supplied type code.
func ParseJobType(s string) (JobType, bool) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	// StatusRefunded marks jobs that were interrupted (e.g. by a restart)
	// and settled by refunding the reservation without a provider verdict.
	StatusRefunded  JobStatus = "refunded"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Job is a single generation request. Mutated only by the queue
// (queued→running) and the dispatcher (running→terminal); never deleted.
type Job struct {
	ID            string
	UserID        int64
	Type          JobType
	Status        JobStatus
	Price         int64 // reserved price, fixed at admission
	Payload       string
	Result        string
	ErrMsg        string
	Retries       int
	Priority      bool // admin override: bypasses admission caps, jumps FIFO
	ReservationID string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// JobFilter selects jobs in List operations. Zero fields match anything.
type JobFilter struct {
	UserID int64
	Status JobStatus
	Type   JobType
	Limit  int
}

func (f JobFilter) Match(j Job) bool {
	if f.UserID != 0 && j.UserID != f.UserID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

// TxReason tags a ledger transaction.
type TxReason string

const (
	TxReserve     TxReason = "reserve"
	TxCommit      TxReason = "commit"
	TxRefund      TxReason = "refund"
	TxGrant       TxReason = "grant"
	TxAdminAdjust TxReason = "admin_adjust"
)

// Transaction is one row of the append-only credit ledger.
// Immutable once written. A user's balance is the running sum of Delta.
type Transaction struct {
	ID     int64
	UserID int64
	Delta  int64
	Reason TxReason
	JobID  string // related job for reserve/commit/refund rows
	Note   string // free-text reason for grant/adjust rows
	At     time.Time
}

// PriceEntry maps a job type to its current price in credits.
type PriceEntry struct {
	Code      JobType
	Price     int64
	UpdatedAt time.Time
}

// User is created on first interaction with the transport.
type User struct {
	ID        int64
	Username  string
	FullName  string
	CreatedAt time.Time
}

type BroadcastStatus string

const (
	BroadcastPending       BroadcastStatus = "pending"
	BroadcastInProgress    BroadcastStatus = "in-progress"
	BroadcastCompleted     BroadcastStatus = "completed"
	BroadcastPartialFailed BroadcastStatus = "partially-failed"
)

// Broadcast is an admin announcement fanned out to a resolved target set.
type Broadcast struct {
	ID          string
	Message     string
	Selector    string
	Status      BroadcastStatus
	CreatedAt   time.Time
	CompletedAt time.Time
}

// BroadcastTarget records the per-target delivery outcome. Attempted targets
// are never re-sent when a broadcast resumes after interruption.
type BroadcastTarget struct {
	BroadcastID string
	UserID      int64
	Attempted   bool
	Delivered   bool
	ErrMsg      string
}
