// Package oplog holds the durable FIFO of pending operations and the
// dead-letter archive.
package oplog

import "context"

const (
	// QueueKey is the storage key of the pending operation log.
	QueueKey = "op_queue_v1"
	// DeadLetterKey is the storage key of the dead-letter archive.
	DeadLetterKey = QueueKey + "_dead"
)

// KV is the durable key/value storage both lists are written to. Each write
// replaces the whole value stored under key.
type KV interface {
	GetItem(ctx context.Context, key string) ([]byte, bool, error)
	SetItem(ctx context.Context, key string, value []byte) error
}
