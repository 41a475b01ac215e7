package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tidemill/signalmesh/internal/domain/pipelinestore"
	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// PipelineStore is an in-process pipeline catalogue. Writes come from test
// fixtures or a single-node control surface; reads serve the index refresher.
type PipelineStore struct {
	mu          sync.RWMutex
	descriptors map[string]schema.PipelineDescriptor
}

// NewPipelineStore builds an empty catalogue.
func NewPipelineStore() *PipelineStore {
	return &PipelineStore{descriptors: make(map[string]schema.PipelineDescriptor)}
}

// Put upserts a descriptor.
func (s *PipelineStore) Put(descriptor schema.PipelineDescriptor) {
	descriptor.Normalise()
	if descriptor.PipelineID == "" {
		return
	}
	s.mu.Lock()
	s.descriptors[descriptor.PipelineID] = descriptor
	s.mu.Unlock()
}

// Delete removes a descriptor.
func (s *PipelineStore) Delete(pipelineID string) {
	s.mu.Lock()
	delete(s.descriptors, pipelineID)
	s.mu.Unlock()
}

// ListActive pages active descriptors ordered by pipeline id. The cursor is
// the last id of the previous page.
func (s *PipelineStore) ListActive(ctx context.Context, cursor string, limit int) ([]schema.PipelineDescriptor, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 500
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.descriptors))
	for id, d := range s.descriptors {
		if d.Active && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := make([]schema.PipelineDescriptor, 0, limit)
	next := ""
	for i, id := range ids {
		if i == limit {
			next = page[len(page)-1].PipelineID
			break
		}
		page = append(page, s.descriptors[id])
	}
	s.mu.RUnlock()

	return page, next, nil
}

var _ pipelinestore.Reader = (*PipelineStore)(nil)
