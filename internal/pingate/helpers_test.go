package pingate

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"parental-gate/internal/db"
)

const (
	testSubject  = "parent-1"
	testPin      = "4815"
	testQuestion = "Name of your first pet?"
	testAnswer   = "Rex"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingHasher records how many comparisons reach the KDF.
type countingHasher struct {
	SecretHasher
	verifies atomic.Int64
}

func (h *countingHasher) Verify(secret []byte, digest Digest) (bool, error) {
	h.verifies.Add(1)
	return h.SecretHasher.Verify(secret, digest)
}

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	database, err := db.Open(ctx, db.Config{
		Driver: db.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "gate.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.RunMigrations(ctx, database))
	return database
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowWeakSettings = true
	cfg.Hasher.Iterations = 1000
	return cfg
}

type gateFixture struct {
	service *Service
	repo    *Repository
	clock   *fakeClock
	hasher  *countingHasher
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	repo := NewRepository(openTestDB(t))
	return newGateFixtureWithRepo(t, repo, newFakeClock())
}

func newGateFixtureWithRepo(t *testing.T, repo *Repository, clock *fakeClock) *gateFixture {
	t.Helper()

	service, err := NewService(repo, repo, nil, testConfig())
	require.NoError(t, err)

	hasher := &countingHasher{SecretHasher: fastHasher(t)}
	service.WithClock(clock.Now).WithHasher(hasher)

	return &gateFixture{service: service, repo: repo, clock: clock, hasher: hasher}
}

func (f *gateFixture) setup(t *testing.T) {
	t.Helper()
	require.NoError(t, f.service.SetupPin(context.Background(), testSubject, testPin, testQuestion, testAnswer))
}

func (f *gateFixture) active(t *testing.T) CredentialRecord {
	t.Helper()
	rec, err := f.repo.GetActive(context.Background(), testSubject)
	require.NoError(t, err)
	return rec
}

func (f *gateFixture) actions(t *testing.T) []string {
	t.Helper()
	events, err := f.repo.ListEvents(context.Background(), testSubject, 500)
	require.NoError(t, err)

	actions := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		actions = append(actions, events[i].Action)
	}
	return actions
}
