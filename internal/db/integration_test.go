//go:build integration

package db_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// testDatabaseConfig reads TEST_DB_* from the environment.
func testDatabaseConfig() db.Config {
	cfg := db.DefaultConfig()
	cfg.Host = getEnvOrDefault("TEST_DB_HOST", "localhost")
	if port, err := strconv.Atoi(os.Getenv("TEST_DB_PORT")); err == nil {
		cfg.Port = port
	}
	cfg.Database = getEnvOrDefault("TEST_DB_NAME", "scanledger_test")
	cfg.Username = getEnvOrDefault("TEST_DB_USER", "test_user")
	cfg.Password = getEnvOrDefault("TEST_DB_PASSWORD", "test_password")
	return cfg
}

// LedgerIntegrationSuite runs the repositories against a real PostgreSQL.
type LedgerIntegrationSuite struct {
	suite.Suite
	database *db.DB
	queue    *db.QueueRepository
	proxies  *db.ProxyRepository
	results  *db.ResultRepository
}

func (s *LedgerIntegrationSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("Skipping database integration tests in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testDatabaseConfig()
	database, err := db.ConnectAndMigrate(ctx, &cfg)
	if err != nil {
		s.T().Skipf("PostgreSQL not available: %v", err)
	}
	s.database = database
	s.queue = db.NewQueueRepository(database, time.Minute)
	s.proxies = db.NewProxyRepository(database)
	s.results = db.NewResultRepository(database)
}

func (s *LedgerIntegrationSuite) TearDownSuite() {
	if s.database != nil {
		s.Require().NoError(s.database.Close())
	}
}

func (s *LedgerIntegrationSuite) SetupTest() {
	_, err := s.database.ExecContext(context.Background(),
		"TRUNCATE scan_requests, proxies, scan_results RESTART IDENTITY")
	s.Require().NoError(err)
}

func (s *LedgerIntegrationSuite) TestQueueLifecycle() {
	ctx := context.Background()

	created, err := s.queue.Request(ctx, db.ActivityScan, "tlsq", []string{"a.example", "b.example", "c.example"})
	s.Require().NoError(err)
	s.Equal(3, created)

	created, err = s.queue.Request(ctx, db.ActivityScan, "tlsq", []string{"a.example"})
	s.Require().NoError(err)
	s.Zero(created, "in-flight target is not requested twice")

	picked, err := s.queue.Pickup(ctx, db.ActivityScan, "tlsq", 2, 0)
	s.Require().NoError(err)
	s.Equal([]string{"a.example", "b.example"}, picked)

	ok, err := s.queue.Finish(ctx, db.ActivityScan, "tlsq", "a.example")
	s.Require().NoError(err)
	s.True(ok)
	ok, err = s.queue.Error(ctx, db.ActivityScan, "tlsq", "b.example", "unexpected status")
	s.Require().NoError(err)
	s.True(ok)
	ok, err = s.queue.Finish(ctx, db.ActivityScan, "tlsq", "c.example")
	s.Require().NoError(err)
	s.False(ok, "requested rows cannot be settled")

	rows, err := s.queue.Progress(ctx, []string{"tlsq", "dns"})
	s.Require().NoError(err)
	s.Len(rows, 30)
	counts := map[db.RequestState]int{}
	for _, r := range rows {
		if r.Scanner == "tlsq" && r.Activity == db.ActivityScan {
			counts[r.State] = r.Count
		}
	}
	s.Equal(map[db.RequestState]int{
		db.StateRequested: 1, db.StatePickedUp: 0, db.StateFinished: 1, db.StateError: 1, db.StateTimeout: 0,
	}, counts)

	outdated, err := s.queue.Outdated(ctx, time.Hour, 10)
	s.Require().NoError(err)
	s.Require().Len(outdated, 1)
	s.Equal("b.example", outdated[0].Target)
}

func (s *LedgerIntegrationSuite) TestRetrySweepHandsBackStaleRows() {
	ctx := context.Background()
	_, err := s.queue.Request(ctx, db.ActivityVerify, "dns", []string{"a.example"})
	s.Require().NoError(err)
	_, err = s.queue.Pickup(ctx, db.ActivityVerify, "dns", 1, 0)
	s.Require().NoError(err)

	time.Sleep(5 * time.Millisecond)
	n, err := s.queue.RetrySweep(ctx, time.Millisecond)
	s.Require().NoError(err)
	s.Equal(1, n)

	picked, err := s.queue.Pickup(ctx, db.ActivityVerify, "dns", 1, 0)
	s.Require().NoError(err)
	s.Equal([]string{"a.example"}, picked)
}

func (s *LedgerIntegrationSuite) TestResultsKeepOneLatestRow() {
	ctx := context.Background()
	f := db.Finding{Target: "a.example", ScanType: "encryption_quality", Rating: "A", Message: "grade A"}

	outcome, err := s.results.Store(ctx, f)
	s.Require().NoError(err)
	s.Equal(db.OutcomeInserted, outcome)
	outcome, err = s.results.Store(ctx, f)
	s.Require().NoError(err)
	s.Equal(db.OutcomeUnchanged, outcome)

	f.Rating, f.Message = "C", "grade C"
	outcome, err = s.results.Store(ctx, f)
	s.Require().NoError(err)
	s.Equal(db.OutcomeChanged, outcome)

	latest, err := s.results.Latest(ctx, "a.example", "encryption_quality", 0)
	s.Require().NoError(err)
	s.Equal("C", latest.Rating)

	history, err := s.results.History(ctx, "a.example", "encryption_quality")
	s.Require().NoError(err)
	s.Len(history, 2)

	_, err = s.results.Latest(ctx, "b.example", "encryption_quality")
	s.True(errors.IsCode(err, errors.CodeNotFound))
}

func (s *LedgerIntegrationSuite) TestProxyClaimRelease() {
	ctx := context.Background()
	p, err := s.proxies.Add(ctx, "http://10.0.0.1:3128")
	s.Require().NoError(err)

	claimed, err := s.proxies.ClaimFastest(ctx, "batch-1")
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal(p.ID, claimed.ID)

	again, err := s.proxies.ClaimFastest(ctx, "batch-2")
	s.Require().NoError(err)
	s.Nil(again, "claimed proxy is not handed out twice")

	released, err := s.proxies.Release(ctx, p.ID, "batch-2")
	s.Require().NoError(err)
	s.False(released, "only the holder can release")
	released, err = s.proxies.Release(ctx, p.ID, "batch-1")
	s.Require().NoError(err)
	s.True(released)
}

func TestLedgerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(LedgerIntegrationSuite))
}
