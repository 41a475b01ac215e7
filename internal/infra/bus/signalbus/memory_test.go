package signalbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/errs"
)

func singleReader(t *testing.T, bus *MemoryBus, group string) (*GroupSubscription, map[int]*PartitionReader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, group)
	require.NoError(t, err)

	readers := make(map[int]*PartitionReader, bus.cfg.Partitions)
	for len(readers) < bus.cfg.Partitions {
		select {
		case r := <-sub.Assigned():
			readers[r.Partition()] = r
		case <-ctx.Done():
			t.Fatalf("timed out collecting partition assignments, got %d", len(readers))
		}
	}
	return sub, readers
}

func TestPublishValidation(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 2, RetainedPerPartition: 8})
	defer bus.Close()
	ctx := context.Background()

	err := bus.Publish(ctx, "", []byte("x"))
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	err = bus.Publish(ctx, "key", nil)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestSameKeyPreservesOrder(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 4, RetainedPerPartition: 64})
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, "AAPL", []byte(fmt.Sprintf("rec-%d", i))))
	}

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()

	part := partitionFor("AAPL", 4)
	reader := readers[part]
	for i := 0; i < 10; i++ {
		rec, err := reader.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("rec-%d", i), string(rec.Payload))
		require.Equal(t, int64(i), rec.Offset)
	}
}

func TestNextBlocksUntilPublish(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 8})
	defer bus.Close()
	ctx := context.Background()

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()

	done := make(chan Record, 1)
	go func() {
		rec, err := readers[0].Next(ctx)
		if err == nil {
			done <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Publish(ctx, "AAPL", []byte("late")))

	select {
	case rec := <-done:
		require.Equal(t, "late", string(rec.Payload))
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestRewindRedeliversUncommitted(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 64})
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, "AAPL", []byte(fmt.Sprintf("rec-%d", i))))
	}

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()
	reader := readers[0]

	first, err := reader.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, reader.Commit(ctx, first.Offset))

	_, err = reader.Next(ctx)
	require.NoError(t, err)
	_, err = reader.Next(ctx)
	require.NoError(t, err)

	reader.Rewind()

	rec, err := reader.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "rec-1", string(rec.Payload))
}

func TestRebalanceResumesFromCommitted(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 64})
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(ctx, "AAPL", []byte(fmt.Sprintf("rec-%d", i))))
	}

	first, readers := singleReader(t, bus, "dispatch")
	reader := readers[0]

	rec, err := reader.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, reader.Commit(ctx, rec.Offset))
	_, err = reader.Next(ctx)
	require.NoError(t, err)

	// Second member joining forces a rebalance; the in-flight record past the
	// commit must be re-delivered to the new owner.
	second, err := bus.Subscribe(ctx, "dispatch")
	require.NoError(t, err)
	defer second.Close()

	_, err = reader.Next(ctx)
	require.ErrorIs(t, err, ErrReaderRevoked)
	first.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case r := <-second.Assigned():
			next, err := r.Next(ctx)
			if errors.Is(err, ErrReaderRevoked) {
				continue
			}
			require.NoError(t, err)
			require.Equal(t, "rec-1", string(next.Payload))
			return
		case <-deadline:
			t.Fatal("second member never received the partition")
		}
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 64})
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "AAPL", []byte("rec-0")))

	subA, readersA := singleReader(t, bus, "dispatch")
	defer subA.Close()
	subB, readersB := singleReader(t, bus, "audit")
	defer subB.Close()

	recA, err := readersA[0].Next(ctx)
	require.NoError(t, err)
	require.NoError(t, readersA[0].Commit(ctx, recA.Offset))

	recB, err := readersB[0].Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "rec-0", string(recB.Payload))
}

func TestRetentionTrimsOldest(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 4})
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, "AAPL", []byte(fmt.Sprintf("rec-%d", i))))
	}

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()

	// A reader starting from offset zero lands on the oldest retained record.
	rec, err := readers[0].Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "rec-6", string(rec.Payload))
	require.Equal(t, int64(6), rec.Offset)
}

func TestClosedBus(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 8})
	ctx := context.Background()

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()

	bus.Close()

	err := bus.Publish(ctx, "AAPL", []byte("x"))
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	require.ErrorIs(t, err, ErrBusClosed)

	_, err = bus.Subscribe(ctx, "dispatch")
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))

	_, err = readers[0].Next(ctx)
	require.True(t, errors.Is(err, ErrBusClosed) || errors.Is(err, ErrReaderRevoked))
}

func TestConcurrentPublishersSinglePartitionOrder(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 2, RetainedPerPartition: 4096})
	defer bus.Close()
	ctx := context.Background()

	const perPublisher = 50
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(ctx, "AAPL", []byte("x"))
			}
		}()
	}
	wg.Wait()

	sub, readers := singleReader(t, bus, "dispatch")
	defer sub.Close()

	part := partitionFor("AAPL", 2)
	last := int64(-1)
	for i := 0; i < 4*perPublisher; i++ {
		rec, err := readers[part].Next(ctx)
		require.NoError(t, err)
		require.Equal(t, last+1, rec.Offset)
		last = rec.Offset
	}
}

func TestRunCommitsAndRewinds(t *testing.T) {
	bus := NewMemoryBus(Config{Partitions: 1, RetainedPerPartition: 64})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "AAPL", []byte("rec-0")))

	var mu sync.Mutex
	var seen []string
	failedOnce := false
	done := make(chan struct{})

	go func() {
		_ = Run(ctx, bus, "dispatch", func(_ context.Context, rec Record) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(rec.Payload))
			if !failedOnce {
				failedOnce = true
				return errors.New("transient")
			}
			if len(seen) >= 2 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never retried the record")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"rec-0", "rec-0"}, seen)
}
