package replication

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
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/store/record"
)

type mirrorFake struct {
	mu      sync.Mutex
	entries map[string]*models.DistributedEntry
	err     error
}

func newMirrorFake() *mirrorFake {
	return &mirrorFake{entries: make(map[string]*models.DistributedEntry)}
}

func (m *mirrorFake) Get(_ context.Context, key string) (*models.DistributedEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	return entry, ok, nil
}

func (m *mirrorFake) Set(_ context.Context, entry *models.DistributedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[entry.Key.String()] = entry
	return nil
}

func (m *mirrorFake) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *mirrorFake) version(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		return entry.Version
	}
	return 0
}

type ReplicationJobSuite struct {
	suite.Suite
	store  *record.InMemoryRecordStore
	mirror *mirrorFake
	job    *Job
	ctx    context.Context
}

func TestReplicationJobSuite(t *testing.T) {
	suite.Run(t, new(ReplicationJobSuite))
}

func (s *ReplicationJobSuite) SetupTest() {
	s.store = record.NewInMemory()
	s.mirror = newMirrorFake()
	s.ctx = context.Background()

	var err error
	s.job, err = New(s.store, s.mirror,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBatchSize(10),
		WithMirrorTTL(time.Hour),
	)
	s.Require().NoError(err)
}

func (s *ReplicationJobSuite) seed(value, canonicalID string) models.CacheKey {
	key := models.CacheKey{Kind: models.LookupKindPhone, Value: value}
	_, err := s.store.Upsert(s.ctx, key, canonicalID, "", models.RecordSourceSystemOfRecord)
	s.Require().NoError(err)
	return key
}

func (s *ReplicationJobSuite) TestRunOnceIsIdempotent() {
	keyA := s.seed("+13365185544", "entity-1")
	keyB := s.seed("+13365185545", "entity-2")

	n, err := s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(int64(1), s.mirror.version(keyA.String()))
	s.Equal(int64(1), s.mirror.version(keyB.String()))

	n, err = s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "a second pass with no new writes must push nothing")
}

func (s *ReplicationJobSuite) TestRunOncePushesVersionStaleMirrors() {
	key := s.seed("+13365185544", "entity-1")

	_, err := s.job.RunOnce(s.ctx)
	s.Require().NoError(err)

	// Remap the key so the mirror falls behind.
	_, err = s.store.Upsert(s.ctx, key, "entity-changed", "", models.RecordSourceSystemOfRecord)
	s.Require().NoError(err)

	n, err := s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(int64(2), s.mirror.version(key.String()))
}

func (s *ReplicationJobSuite) TestRunOnceRetriesFailedRows() {
	s.seed("+13365185544", "entity-1")
	s.mirror.err = errors.New("connection refused")

	n, err := s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	s.mirror.err = nil
	n, err = s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n, "rows skipped on failure must stay candidates")
}

func (s *ReplicationJobSuite) TestRunOnceSkipsInvalidatedRows() {
	key := s.seed("+13365185544", "entity-1")
	s.Require().NoError(s.store.Invalidate(s.ctx, key, "test"))

	n, err := s.job.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}
