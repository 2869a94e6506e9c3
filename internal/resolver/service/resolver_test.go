package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/store/record"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/circuit"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/taskgroup"
)

// fakeTier is an in-memory CacheTier with a switchable failure mode.
type fakeTier struct {
	mu      sync.Mutex
	entries map[string]*models.DistributedEntry
	err     error
}

func newFakeTier() *fakeTier {
	return &fakeTier{entries: make(map[string]*models.DistributedEntry)}
}

func (f *fakeTier) Get(_ context.Context, key string) (*models.DistributedEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	entry, ok := f.entries[key]
	return entry, ok, nil
}

func (f *fakeTier) Set(_ context.Context, entry *models.DistributedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries[entry.Key.String()] = entry
	return nil
}

func (f *fakeTier) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *fakeTier) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeSource is an in-memory SystemOfRecord that counts lookups and can be
// made slow or broken.
type fakeSource struct {
	mu       sync.Mutex
	phones   map[string]string
	emails   map[string]string
	metadata map[string]ports.EntityMetadata
	changed  []ports.ChangedEntity
	err      error
	delay    time.Duration
	lookups  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		phones:   make(map[string]string),
		emails:   make(map[string]string),
		metadata: make(map[string]ports.EntityMetadata),
	}
}

func (f *fakeSource) lookup(ctx context.Context, m map[string]string, value string) (string, error) {
	f.mu.Lock()
	f.lookups++
	id := m[value]
	err := f.err
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeSource) LookupByPhone(ctx context.Context, phone string) (string, error) {
	return f.lookup(ctx, f.phones, phone)
}

func (f *fakeSource) LookupByEmail(ctx context.Context, email string) (string, error) {
	return f.lookup(ctx, f.emails, email)
}

func (f *fakeSource) EntityMetadata(_ context.Context, canonicalID string) (ports.EntityMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ports.EntityMetadata{}, f.err
	}
	return f.metadata[canonicalID], nil
}

func (f *fakeSource) RecentlyChanged(_ context.Context, limit int) ([]ports.ChangedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.changed) {
		limit = len(f.changed)
	}
	return f.changed[:limit], nil
}

func (f *fakeSource) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ResolverSuite struct {
	suite.Suite
	edge     *fakeTier
	dist     *fakeTier
	store    *record.InMemoryRecordStore
	source   *fakeSource
	tasks    *taskgroup.Group
	resolver *Resolver
	ctx      context.Context
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.edge = newFakeTier()
	s.dist = newFakeTier()
	s.store = record.NewInMemory()
	s.source = newFakeSource()
	s.tasks = taskgroup.New(discardLogger())
	s.ctx = context.Background()

	var err error
	s.resolver, err = New(s.edge, s.dist, s.store, s.source, s.tasks,
		WithLogger(discardLogger()),
		WithSourceTimeout(200*time.Millisecond),
	)
	s.Require().NoError(err)
}

// drain waits for all scheduled background work. Tasks submitted afterwards
// are rejected, so call it only once asserting is all that remains.
func (s *ResolverSuite) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Require().NoError(s.tasks.Close(ctx))
}

func (s *ResolverSuite) TestResolveUnnormalizableInputIsMiss() {
	for _, raw := range []string{"", "   ", "---"} {
		res, err := s.resolver.Resolve(s.ctx, raw, models.LookupKindPhone)
		s.Require().NoError(err)
		s.Equal(models.SourceMiss, res.Source)
		s.Empty(res.CanonicalID)
	}
	s.Zero(s.source.lookupCount(), "unusable input must never reach the system of record")
}

func (s *ResolverSuite) TestResolveColdCache() {
	s.source.phones["+13365185544"] = "entity-123"
	s.source.metadata["entity-123"] = ports.EntityMetadata{EntityID: "ent-1"}

	res, err := s.resolver.Resolve(s.ctx, "(336) 518-5544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal("entity-123", res.CanonicalID)
	s.Equal(models.SourceSystemOfRecord, res.Source)
	s.Equal(1, s.source.lookupCount())

	rec, err := s.store.Get(s.ctx, models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"})
	s.Require().NoError(err)
	s.Equal(int64(1), rec.Version)
	s.Equal("ent-1", rec.EntityID)

	// The edge is populated synchronously, so an immediately repeated lookup
	// answers from it without touching the source again.
	res, err = s.resolver.Resolve(s.ctx, "+1 336 518 5544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal("entity-123", res.CanonicalID)
	s.Equal(models.SourceEdge, res.Source)
	s.Equal(1, s.source.lookupCount())

	s.drain()
	s.True(s.dist.has("phone:+13365185544"), "write-through must reach the distributed tier")
}

func (s *ResolverSuite) TestResolveDistributedHit() {
	key := models.CacheKey{Kind: models.LookupKindEmail, Value: "a@example.com"}
	s.Require().NoError(s.dist.Set(s.ctx, &models.DistributedEntry{
		Key: key, CanonicalID: "entity-9", Version: 3, CachedAt: time.Now(),
	}))

	res, err := s.resolver.Resolve(s.ctx, " A@Example.COM ", models.LookupKindEmail)
	s.Require().NoError(err)
	s.Equal("entity-9", res.CanonicalID)
	s.Equal(models.SourceDistributed, res.Source)
	s.True(s.edge.has(key.String()), "distributed hit must write through to the edge")
	s.Zero(s.source.lookupCount())
}

func (s *ResolverSuite) TestResolveAuthoritativeHit() {
	key := models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"}
	_, err := s.store.Upsert(s.ctx, key, "entity-123", "ent-1", models.RecordSourceSystemOfRecord)
	s.Require().NoError(err)

	res, err := s.resolver.Resolve(s.ctx, "3365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal("entity-123", res.CanonicalID)
	s.Equal(models.SourceAuthoritative, res.Source)
	s.True(s.edge.has(key.String()))
	s.Zero(s.source.lookupCount())

	s.drain()
	s.True(s.dist.has(key.String()))
}

func (s *ResolverSuite) TestResolveMissIsNotCached() {
	res, err := s.resolver.Resolve(s.ctx, "+19998887777", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal(models.SourceMiss, res.Source)

	res, err = s.resolver.Resolve(s.ctx, "+19998887777", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal(models.SourceMiss, res.Source)
	s.Equal(2, s.source.lookupCount(), "misses must re-consult the source every time")

	_, err = s.store.Get(s.ctx, models.CacheKey{Kind: models.LookupKindPhone, Value: "+19998887777"})
	s.Error(err, "a miss must leave no record behind")
}

func (s *ResolverSuite) TestResolveSourceFailureIsMiss() {
	s.source.err = errors.New("upstream 500")

	res, err := s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err, "source failures are swallowed into a miss")
	s.Equal(models.SourceMiss, res.Source)
}

func (s *ResolverSuite) TestResolveSourceTimeoutIsMiss() {
	s.source.phones["+13365185544"] = "entity-123"
	s.source.delay = 500 * time.Millisecond

	slow, err := New(s.edge, s.dist, s.store, s.source, s.tasks,
		WithLogger(discardLogger()),
		WithSourceTimeout(20*time.Millisecond),
	)
	s.Require().NoError(err)

	res, err := slow.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal(models.SourceMiss, res.Source)
}

func (s *ResolverSuite) TestResolveInvalidatedRecordForcesSource() {
	key := models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"}
	_, err := s.store.Upsert(s.ctx, key, "entity-old", "", models.RecordSourceSystemOfRecord)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Invalidate(s.ctx, key, "entity merged"))

	s.source.phones["+13365185544"] = "entity-new"

	res, err := s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal("entity-new", res.CanonicalID)
	s.Equal(models.SourceSystemOfRecord, res.Source)
	s.Equal(1, s.source.lookupCount())

	rec, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Nil(rec.InvalidatedAt)
	s.Equal(int64(2), rec.Version, "remapping must raise the version by exactly one")
}

func (s *ResolverSuite) TestResolveTierFailureFallsThrough() {
	s.edge.fail(errors.New("evicting"))
	s.dist.fail(errors.New("connection refused"))

	key := models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"}
	_, err := s.store.Upsert(s.ctx, key, "entity-123", "", models.RecordSourceSystemOfRecord)
	s.Require().NoError(err)

	res, err := s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal("entity-123", res.CanonicalID)
	s.Equal(models.SourceAuthoritative, res.Source)
}

func (s *ResolverSuite) TestResolveBreakerSkipsSource() {
	s.source.err = errors.New("upstream down")

	guarded, err := New(s.edge, s.dist, s.store, s.source, s.tasks,
		WithLogger(discardLogger()),
		WithBreaker(circuit.New("source", circuit.WithFailureThreshold(1))),
	)
	s.Require().NoError(err)

	res, err := guarded.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal(models.SourceMiss, res.Source)
	s.Equal(1, s.source.lookupCount())

	res, err = guarded.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	s.Equal(models.SourceMiss, res.Source)
	s.Equal(1, s.source.lookupCount(), "an open breaker must not reach the source")
}

// Concurrent first-time lookups of the same unseen key may each consult the
// source, but must converge on exactly one record at version 1.
func (s *ResolverSuite) TestResolveConcurrentFirstLookup() {
	s.source.phones["+13365185544"] = "entity-123"

	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			res, err := s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
			s.NoError(err)
			s.Equal("entity-123", res.CanonicalID)
		}()
	}
	wg.Wait()

	rec, err := s.store.Get(s.ctx, models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"})
	s.Require().NoError(err)
	s.Equal(int64(1), rec.Version)
}

func (s *ResolverSuite) TestResolveEdgeHitBumpsMetadata() {
	s.source.phones["+13365185544"] = "entity-123"

	_, err := s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)
	_, err = s.resolver.Resolve(s.ctx, "+13365185544", models.LookupKindPhone)
	s.Require().NoError(err)

	s.drain()

	rec, err := s.store.Get(s.ctx, models.CacheKey{Kind: models.LookupKindPhone, Value: "+13365185544"})
	s.Require().NoError(err)
	s.Equal(int64(2), rec.HitCount, "the edge hit must bump the hit counter in the background")
}
