package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

func catalogueFixture(ids ...string) *PipelineStore {
	s := NewPipelineStore()
	for _, id := range ids {
		s.Put(schema.PipelineDescriptor{
			PipelineID:  id,
			UserID:      "u1",
			TriggerMode: schema.TriggerModeSignal,
			TickerSet:   schema.NewTickerSet("AAPL"),
			Active:      true,
		})
	}
	return s
}

func TestListActivePagesWithCursor(t *testing.T) {
	s := catalogueFixture("p1", "p2", "p3", "p4", "p5")
	ctx := context.Background()

	page, next, err := s.ListActive(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "p1", page[0].PipelineID)
	require.Equal(t, "p2", next)

	page, next, err = s.ListActive(ctx, next, 2)
	require.NoError(t, err)
	require.Equal(t, "p3", page[0].PipelineID)
	require.Equal(t, "p4", next)

	page, next, err = s.ListActive(ctx, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "p5", page[0].PipelineID)
	require.Empty(t, next)
}

func TestListActiveSkipsInactiveAndDeleted(t *testing.T) {
	s := catalogueFixture("p1", "p2", "p3")
	s.Put(schema.PipelineDescriptor{
		PipelineID:  "p2",
		TriggerMode: schema.TriggerModeSignal,
		Active:      false,
	})
	s.Delete("p3")

	page, next, err := s.ListActive(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, page, 1)
	require.Equal(t, "p1", page[0].PipelineID)
}
