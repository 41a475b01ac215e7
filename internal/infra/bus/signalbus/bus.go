// Package signalbus provides ordered, partition-keyed pub/sub for the
// trading-signals topic.
//
// Records published under the same key land on the same partition and are
// delivered to a consumer group in publish order. Across partitions there is
// no ordering. Offsets are committed per group; records beyond the committed
// offset are re-delivered after a rebalance or a rewind, giving consumers an
// at-least-once contract.
package signalbus

import (
	"context"
	"errors"
)

// Record is a single retained bus entry.
type Record struct {
	Partition int
	Offset    int64
	Key       string
	Payload   []byte
}

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("signalbus: bus closed")

// ErrReaderRevoked is returned by a partition reader whose assignment was
// revoked by a group rebalance. The records it had not committed will be
// re-delivered to the partition's new owner.
var ErrReaderRevoked = errors.New("signalbus: reader revoked")

// Bus publishes and subscribes partition-keyed signal records.
type Bus interface {
	// Publish appends the payload to the partition selected by key and blocks
	// until the record is acknowledged or ctx expires.
	Publish(ctx context.Context, key string, payload []byte) error
	// Subscribe joins the named consumer group. Group members split the
	// partitions between them; each membership change rebalances ownership.
	Subscribe(ctx context.Context, group string) (*GroupSubscription, error)
	Close()
}

// Config sizes the in-memory bus.
type Config struct {
	Partitions           int
	RetainedPerPartition int
}

func (c Config) normalize() Config {
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.RetainedPerPartition <= 0 {
		c.RetainedPerPartition = 65536
	}
	return c
}
