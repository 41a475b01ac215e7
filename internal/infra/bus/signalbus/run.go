package signalbus

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
)

// Handler consumes one record. Returning nil commits the record's offset;
// returning an error rewinds the reader to the last commit so the record is
// re-delivered after a backoff.
type Handler func(ctx context.Context, rec Record) error

// Run subscribes to the named group and pumps every assigned partition
// through handler until ctx is cancelled or the bus closes. It is the
// simple consumption loop used by consumers that do not batch.
func Run(ctx context.Context, bus Bus, group string, handler Handler) error {
	sub, err := bus.Subscribe(ctx, group)
	if err != nil {
		return err
	}
	defer sub.Close()

	var wg conc.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reader, ok := <-sub.Assigned():
			if !ok {
				return nil
			}
			wg.Go(func() {
				pumpReader(ctx, reader, handler)
			})
		}
	}
}

func pumpReader(ctx context.Context, reader *PartitionReader, handler Handler) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second

	for {
		rec, err := reader.Next(ctx)
		switch {
		case errors.Is(err, ErrReaderRevoked), errors.Is(err, ErrBusClosed):
			return
		case err != nil:
			return
		}

		if err := handler(ctx, rec); err != nil {
			reader.Rewind()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}
		retry.Reset()
		if err := reader.Commit(ctx, rec.Offset); err != nil {
			return
		}
	}
}
