package signalbus

import (
	"context"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidemill/signalmesh/errs"
)

// MemoryBus is the in-memory implementation of the signal bus. It retains a
// bounded window of records per partition and tracks committed offsets per
// consumer group, which is enough for single-process deployments and tests;
// a broker-backed implementation satisfies the same contract.
type MemoryBus struct {
	cfg   Config
	parts []*partition

	mu           sync.Mutex
	groups       map[string]*group
	closed       chan struct{}
	shutdownOnce sync.Once
	nextMemberID uint64

	publishedCounter  metric.Int64Counter
	trimmedCounter    metric.Int64Counter
	redeliveryCounter metric.Int64Counter
}

// NewMemoryBus constructs a memory-backed signal bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.parts = make([]*partition, cfg.Partitions)
	for i := range bus.parts {
		bus.parts[i] = newPartition(i, cfg.RetainedPerPartition)
	}
	bus.groups = make(map[string]*group)
	bus.closed = make(chan struct{})

	meter := otel.Meter("signalbus")
	bus.publishedCounter, _ = meter.Int64Counter("signalbus.records.published",
		metric.WithDescription("Number of records appended to the bus"),
		metric.WithUnit("{record}"))
	bus.trimmedCounter, _ = meter.Int64Counter("signalbus.records.trimmed",
		metric.WithDescription("Number of records dropped by partition retention"),
		metric.WithUnit("{record}"))
	bus.redeliveryCounter, _ = meter.Int64Counter("signalbus.redeliveries",
		metric.WithDescription("Number of records re-delivered after a rewind"),
		metric.WithUnit("{record}"))

	return bus
}

// Publish appends the payload to the partition selected by key.
func (b *MemoryBus) Publish(ctx context.Context, key string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(key) == "" {
		return errs.New("signalbus/publish", errs.CodeInvalid, errs.WithMessage("partition key required"))
	}
	if len(payload) == 0 {
		return errs.New("signalbus/publish", errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	if err := ctx.Err(); err != nil {
		return errs.New("signalbus/publish", errs.CodeTimeout, errs.WithCause(err))
	}
	select {
	case <-b.closed:
		return errs.New("signalbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"), errs.WithCause(ErrBusClosed))
	default:
	}

	part := b.parts[partitionFor(key, len(b.parts))]
	trimmed := part.append(key, payload)

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("partition", strconv.Itoa(part.id))))
	}
	if trimmed > 0 && b.trimmedCounter != nil {
		b.trimmedCounter.Add(ctx, int64(trimmed), metric.WithAttributes(
			attribute.String("partition", strconv.Itoa(part.id))))
	}
	return nil
}

// Subscribe joins the named consumer group and triggers a rebalance.
func (b *MemoryBus) Subscribe(ctx context.Context, groupName string) (*GroupSubscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	groupName = strings.TrimSpace(groupName)
	if groupName == "" {
		return nil, errs.New("signalbus/subscribe", errs.CodeInvalid, errs.WithMessage("group required"))
	}
	select {
	case <-b.closed:
		return nil, errs.New("signalbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"), errs.WithCause(ErrBusClosed))
	default:
	}

	b.mu.Lock()
	g, ok := b.groups[groupName]
	if !ok {
		g = newGroup(groupName, len(b.parts))
		b.groups[groupName] = g
	}
	b.nextMemberID++
	memberID := b.nextMemberID
	b.mu.Unlock()

	m := newMember(memberID, len(b.parts))

	g.mu.Lock()
	g.members[memberID] = m
	g.order = append(g.order, memberID)
	g.rebalanceLocked(b)
	g.mu.Unlock()

	return &GroupSubscription{bus: b, group: g, member: m}, nil
}

// Close shuts the bus down, revoking every reader.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		groups := make([]*group, 0, len(b.groups))
		for _, g := range b.groups {
			groups = append(groups, g)
		}
		b.mu.Unlock()
		for _, g := range groups {
			g.mu.Lock()
			for id, m := range g.members {
				m.revokeAll()
				m.closeAssigned()
				delete(g.members, id)
			}
			g.order = nil
			g.mu.Unlock()
		}
	})
}

func partitionFor(key string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

type partition struct {
	id       int
	retained int

	mu      sync.Mutex
	base    int64
	records []Record
	notify  chan struct{}
}

func newPartition(id, retained int) *partition {
	return &partition{
		id:       id,
		retained: retained,
		base:     0,
		records:  nil,
		notify:   make(chan struct{}),
	}
}

func (p *partition) append(key string, payload []byte) (trimmed int) {
	body := make([]byte, len(payload))
	copy(body, payload)

	p.mu.Lock()
	rec := Record{Partition: p.id, Offset: p.base + int64(len(p.records)), Key: key, Payload: body}
	p.records = append(p.records, rec)
	if len(p.records) > p.retained {
		trimmed = len(p.records) - p.retained
		p.records = append([]Record(nil), p.records[trimmed:]...)
		p.base += int64(trimmed)
	}
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return trimmed
}

// fetch returns the record at offset, skipping forward past trimmed history.
// When no record is available it hands back the channel that signals the next
// append.
func (p *partition) fetch(offset int64) (Record, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < p.base {
		offset = p.base
	}
	idx := offset - p.base
	if idx < int64(len(p.records)) {
		return p.records[idx], true, nil
	}
	return Record{}, false, p.notify
}

type group struct {
	name string

	mu        sync.Mutex
	members   map[uint64]*member
	order     []uint64
	committed []int64
}

func newGroup(name string, partitions int) *group {
	return &group{
		name:      name,
		members:   make(map[uint64]*member),
		order:     nil,
		committed: make([]int64, partitions),
	}
}

// rebalanceLocked revokes every live reader and deals partitions round-robin
// across the members in join order. New readers resume from the committed
// offset, so records in flight at revocation time are re-delivered.
func (g *group) rebalanceLocked(b *MemoryBus) {
	for _, m := range g.members {
		m.revokeAll()
	}
	if len(g.order) == 0 {
		return
	}
	for p := range b.parts {
		owner := g.members[g.order[p%len(g.order)]]
		if owner == nil {
			continue
		}
		reader := &PartitionReader{
			bus:     b,
			group:   g,
			part:    b.parts[p],
			cursor:  g.committed[p],
			revoked: make(chan struct{}),
		}
		owner.assign(g.name, reader)
	}
}

func (g *group) removeMember(b *MemoryBus, id uint64) {
	g.mu.Lock()
	m, ok := g.members[id]
	if ok {
		delete(g.members, id)
		for i, memberID := range g.order {
			if memberID == id {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
		m.revokeAll()
		g.rebalanceLocked(b)
		m.closeAssigned()
	}
	g.mu.Unlock()
}

type member struct {
	id       uint64
	assigned chan *PartitionReader
	readers  []*PartitionReader
	once     sync.Once
}

func newMember(id uint64, partitions int) *member {
	return &member{
		id: id,
		// Headroom for several consecutive rebalances before the consumer
		// drains its assignments.
		assigned: make(chan *PartitionReader, partitions*8),
		readers:  nil,
	}
}

func (m *member) assign(groupName string, r *PartitionReader) {
	m.readers = append(m.readers, r)
	select {
	case m.assigned <- r:
	default:
		r.revoke()
		log.Printf("signalbus: assignment buffer full; revoked partition %d for group %s", r.part.id, groupName)
	}
}

func (m *member) revokeAll() {
	for _, r := range m.readers {
		r.revoke()
	}
	m.readers = nil
}

func (m *member) closeAssigned() {
	m.once.Do(func() {
		close(m.assigned)
	})
}

// GroupSubscription is one member's view of a consumer group.
type GroupSubscription struct {
	bus    *MemoryBus
	group  *group
	member *member
	once   sync.Once
}

// Assigned yields a reader for every partition this member currently owns.
// Each rebalance revokes the previous readers and yields replacements.
func (s *GroupSubscription) Assigned() <-chan *PartitionReader {
	return s.member.assigned
}

// Close leaves the group, handing this member's partitions to the remaining
// members.
func (s *GroupSubscription) Close() {
	s.once.Do(func() {
		s.group.removeMember(s.bus, s.member.id)
	})
}

// PartitionReader reads one partition on behalf of a consumer group.
type PartitionReader struct {
	bus   *MemoryBus
	group *group
	part  *partition

	mu         sync.Mutex
	cursor     int64
	revoked    chan struct{}
	revokeOnce sync.Once
}

// Partition identifies the partition this reader owns.
func (r *PartitionReader) Partition() int {
	return r.part.id
}

func (r *PartitionReader) revoke() {
	r.revokeOnce.Do(func() {
		close(r.revoked)
	})
}

// Next blocks until a record past the read cursor is available. It returns
// ErrReaderRevoked after a rebalance and ErrBusClosed after shutdown.
func (r *PartitionReader) Next(ctx context.Context) (Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-r.revoked:
			return Record{}, ErrReaderRevoked
		case <-r.bus.closed:
			return Record{}, ErrBusClosed
		default:
		}

		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()

		rec, ok, notify := r.part.fetch(cursor)
		if ok {
			r.mu.Lock()
			if rec.Offset >= r.cursor {
				r.cursor = rec.Offset + 1
			}
			r.mu.Unlock()
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-r.revoked:
			return Record{}, ErrReaderRevoked
		case <-r.bus.closed:
			return Record{}, ErrBusClosed
		case <-notify:
		}
	}
}

// Commit durably advances the group offset through the given record offset.
func (r *PartitionReader) Commit(ctx context.Context, offset int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-r.bus.closed:
		return ErrBusClosed
	default:
	}
	r.group.mu.Lock()
	if offset+1 > r.group.committed[r.part.id] {
		r.group.committed[r.part.id] = offset + 1
	}
	r.group.mu.Unlock()
	return nil
}

// Rewind resets the read cursor to the last committed offset so the
// uncommitted tail is re-delivered. Used by consumers that reject a batch.
func (r *PartitionReader) Rewind() {
	r.group.mu.Lock()
	committed := r.group.committed[r.part.id]
	r.group.mu.Unlock()

	r.mu.Lock()
	redelivered := r.cursor - committed
	r.cursor = committed
	r.mu.Unlock()

	if redelivered > 0 && r.bus.redeliveryCounter != nil {
		r.bus.redeliveryCounter.Add(context.Background(), redelivered, metric.WithAttributes(
			attribute.String("partition", strconv.Itoa(r.part.id))))
	}
}

var _ Bus = (*MemoryBus)(nil)
