package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is valid from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

type Record struct {
	ID                 string
	UserID             string
	Kind               Kind
	Status             Status
	Prompt             string
	Model              string
	FalRequestID       *string
	VideoURL           *string
	LocalVideoURL      *string
	GeneratedImageURLs []*string
	Seed               *int64
	Error              *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

type NewRecord struct {
	UserID string
	Kind   Kind
	Prompt string
	Model  string
}

// Result carries the output fields applied on a completed transition.
type Result struct {
	VideoURL           string
	GeneratedImageURLs []*string
	Seed               *int64
}

// Receipt is one inbound webhook delivery, keyed by a content fingerprint.
type Receipt struct {
	Fingerprint string
	RequestID   string
	HistoryID   string
	Outcome     string
}

var ErrNotFound = errors.New("history record not found")
