package store

import (
	"context"
	"time"
)

// DedupRepo guards against processing the same inbound message twice.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, patientKey string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ReleaseInbound forgets a message whose processing failed so that a
	// redelivery is processed again.
	ReleaseInbound(ctx context.Context, messageID string) error

	// PurgeInbound deletes records received before the cutoff.
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}
