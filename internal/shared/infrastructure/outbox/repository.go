package outbox

import (
	"context"
	"time"
)

// Writer is the part of the repository used inside a unit of work.
type Writer interface {
	// SaveBatch stores messages; inside a transaction it joins it.
	SaveBatch(ctx context.Context, msgs []*Message) error
}

// Repository defines outbox persistence.
type Repository interface {
	Writer

	// GetUnpublished returns pending messages due at now, oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)

	// MarkPublished marks a message as successfully published.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a publish failure and when to try again.
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error

	// Postpone moves a pending message's next attempt without counting a
	// failure against it.
	Postpone(ctx context.Context, id int64, until time.Time) error

	// MarkDead marks a message as dead-lettered.
	MarkDead(ctx context.Context, id int64, reason string) error

	// DeleteOld removes published messages older than the retention period.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}
