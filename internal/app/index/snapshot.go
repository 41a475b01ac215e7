// Package index maintains the read-mostly view of the pipeline catalogue
// consumed on the dispatch hot path. The view is an immutable snapshot behind
// an atomic pointer; a background refresher rebuilds it on an interval and
// swaps it in whole, so readers never observe a partially built index.
package index

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Snapshot is an immutable point-in-time index over active pipeline
// descriptors. All lookups are lock-free map reads.
type Snapshot struct {
	version     uint64
	builtAt     time.Time
	byTicker    map[string][]string
	descriptors map[string]schema.PipelineDescriptor
	periodic    []string
}

// BuildSnapshot indexes the given descriptors. Inactive descriptors are kept
// out of the candidate and periodic sets but remain resolvable by id, which
// lets the dispatcher re-check activity on descriptors matched from a stale
// snapshot.
func BuildSnapshot(descriptors []schema.PipelineDescriptor, version uint64, builtAt time.Time) *Snapshot {
	snap := &Snapshot{
		version:     version,
		builtAt:     builtAt,
		byTicker:    make(map[string][]string),
		descriptors: make(map[string]schema.PipelineDescriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		d.Normalise()
		if d.PipelineID == "" {
			continue
		}
		snap.descriptors[d.PipelineID] = d
		switch {
		case d.AcceptsSignals():
			for ticker := range d.TickerSet {
				snap.byTicker[ticker] = append(snap.byTicker[ticker], d.PipelineID)
			}
		case d.Active && d.TriggerMode == schema.TriggerModePeriodic:
			snap.periodic = append(snap.periodic, d.PipelineID)
		}
	}
	for _, ids := range snap.byTicker {
		sort.Strings(ids)
	}
	sort.Strings(snap.periodic)
	return snap
}

// Candidates returns the ids of active signal-triggered pipelines watching
// the ticker. Callers must not mutate the returned slice.
func (s *Snapshot) Candidates(ticker string) []string {
	return s.byTicker[ticker]
}

// Descriptor resolves a pipeline id to its descriptor.
func (s *Snapshot) Descriptor(id string) (schema.PipelineDescriptor, bool) {
	d, ok := s.descriptors[id]
	return d, ok
}

// Periodic returns the ids of active periodic pipelines. Callers must not
// mutate the returned slice.
func (s *Snapshot) Periodic() []string {
	return s.periodic
}

// Size reports the number of indexed descriptors.
func (s *Snapshot) Size() int {
	return len(s.descriptors)
}

// BuiltAt reports when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Version is a monotonically increasing rebuild counter.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Index hands out the current snapshot to concurrent readers.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// NewIndex starts with an empty snapshot so readers never see nil.
func NewIndex() *Index {
	idx := new(Index)
	idx.current.Store(BuildSnapshot(nil, 0, time.Time{}))
	return idx
}

// Load returns the current snapshot.
func (i *Index) Load() *Snapshot {
	return i.current.Load()
}

func (i *Index) store(s *Snapshot) {
	i.current.Store(s)
}
