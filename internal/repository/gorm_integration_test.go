//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"anpr-reconciler/internal/db"
	"anpr-reconciler/internal/domain/parking"
)

type GormRepositorySuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	gdb       *gorm.DB
	repo      *GormRepository
	ctx       context.Context
	t0        time.Time
	key       parking.PairKey
}

func TestGormRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(GormRepositorySuite))
}

func (s *GormRepositorySuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		tcpostgres.WithDatabase("anpr_test"),
		tcpostgres.WithUsername("anpr"),
		tcpostgres.WithPassword("anpr"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	gdb, err := db.Open(db.Options{DSN: dsn, MaxOpenConns: 5}, zerolog.Nop())
	s.Require().NoError(err)
	s.gdb = gdb
	s.repo = NewGormRepository(gdb)
}

func (s *GormRepositorySuite) TearDownSuite() {
	if s.gdb != nil {
		if sqlDB, err := s.gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *GormRepositorySuite) SetupTest() {
	s.ctx = context.Background()
	s.t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s.key = parking.PairKey{SiteID: "site-1", VRM: "AB12CDE"}
	s.Require().NoError(s.gdb.Exec("TRUNCATE movements, sessions, movement_corrections").Error)
}

func (s *GormRepositorySuite) movement(id string, dir parking.Direction, offset time.Duration) *parking.Movement {
	return &parking.Movement{
		ID: id, SiteID: s.key.SiteID, VRM: s.key.VRM, Direction: dir,
		Timestamp: s.t0.Add(offset), CameraID: "cam-1",
		Images:  []parking.Image{{URL: "plates/" + id + ".jpg", Type: "plate"}},
		RawData: map[string]interface{}{"confidence": 0.93},
	}
}

func (s *GormRepositorySuite) session(id string, entry *string, start time.Time, status parking.SessionStatus) parking.Session {
	return parking.Session{ID: id, SiteID: s.key.SiteID, VRM: s.key.VRM, EntryMovementID: entry, StartTime: start, Status: status}
}

func (s *GormRepositorySuite) TestMovementRoundTripAndVersioning() {
	m := s.movement("m1", parking.DirectionEntry, 0)
	s.Require().NoError(s.repo.AppendMovement(s.ctx, m))

	got, err := s.repo.GetMovement(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal(m.Images, got.Images)
	s.Equal(0.93, got.RawData["confidence"])
	s.True(got.Timestamp.Equal(m.Timestamp))
	s.Equal(1, got.Version)

	stale := *got
	got.Direction = parking.DirectionExit
	s.Require().NoError(s.repo.UpdateMovement(s.ctx, got))
	s.Equal(2, got.Version)

	stale.Discarded = true
	s.ErrorIs(s.repo.UpdateMovement(s.ctx, &stale), ErrVersionConflict)

	missing := s.movement("missing", parking.DirectionEntry, 0)
	missing.Version = 1
	s.ErrorIs(s.repo.UpdateMovement(s.ctx, missing), ErrNotFound)

	_, err = s.repo.GetMovement(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *GormRepositorySuite) TestReplaceSessionsSupersedes() {
	s.Require().NoError(s.repo.AppendMovement(s.ctx, s.movement("m1", parking.DirectionEntry, 0)))
	entry := "m1"
	first := s.session("s1", &entry, s.t0, parking.SessionOpen)
	s.Require().NoError(s.repo.ReplaceSessions(s.ctx, s.key, []parking.Session{first}, s.t0.Add(time.Minute)))

	second := s.session("s2", &entry, s.t0, parking.SessionCompleted)
	end := s.t0.Add(2 * time.Hour)
	minutes := int64(120)
	second.EndTime = &end
	second.DurationMinutes = &minutes
	at := s.t0.Add(3 * time.Hour)
	s.Require().NoError(s.repo.ReplaceSessions(s.ctx, s.key, []parking.Session{second}, at))

	live, err := s.repo.ListVehicleSessions(s.ctx, s.key)
	s.Require().NoError(err)
	s.Require().Len(live, 1)
	s.Equal("s2", live[0].ID)
	s.Equal(int64(120), *live[0].DurationMinutes)

	old, err := s.repo.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(parking.SessionDiscarded, old.Status)
	s.Require().NotNil(old.SupersededAt)
	s.True(old.SupersededAt.Equal(at))

	candidates, err := s.repo.ListAnomalyCandidates(s.ctx)
	s.Require().NoError(err)
	s.Len(candidates, 1)
}

func (s *GormRepositorySuite) TestTxRollsBackEverything() {
	s.Require().NoError(s.repo.AppendMovement(s.ctx, s.movement("m1", parking.DirectionEntry, 0)))
	boom := errors.New("boom")

	err := s.repo.Tx(s.ctx, func(tx Store) error {
		m, err := tx.GetMovement(s.ctx, "m1")
		if err != nil {
			return err
		}
		m.Direction = parking.DirectionExit
		if err := tx.UpdateMovement(s.ctx, m); err != nil {
			return err
		}
		if err := tx.AppendCorrection(s.ctx, &parking.Correction{
			ID: "c1", MovementID: "m1", SiteID: s.key.SiteID, VRM: s.key.VRM,
			Kind: parking.CorrectionFlipDirection, Operator: "alice",
		}); err != nil {
			return err
		}
		entry := "m1"
		if err := tx.ReplaceSessions(s.ctx, s.key, []parking.Session{s.session("s1", &entry, s.t0, parking.SessionOpen)}, s.t0); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	m, err := s.repo.GetMovement(s.ctx, "m1")
	s.Require().NoError(err)
	s.Equal(parking.DirectionEntry, m.Direction)
	s.Equal(1, m.Version)

	corrections, err := s.repo.ListCorrections(s.ctx, "m1")
	s.Require().NoError(err)
	s.Empty(corrections)

	live, err := s.repo.ListVehicleSessions(s.ctx, s.key)
	s.Require().NoError(err)
	s.Empty(live)
}

func (s *GormRepositorySuite) TestFindMovementsPaginates() {
	for i := 0; i < 5; i++ {
		m := s.movement(string(rune('a'+i)), parking.DirectionEntry, time.Duration(i)*time.Hour)
		s.Require().NoError(s.repo.AppendMovement(s.ctx, m))
	}

	site := s.key.SiteID
	page, err := s.repo.FindMovements(s.ctx, MovementFilter{SiteID: &site, Limit: 2, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.Equal("d", page[0].ID)
	s.Equal("c", page[1].ID)

	movements, err := s.repo.ListVehicleMovements(s.ctx, s.key)
	s.Require().NoError(err)
	s.Require().Len(movements, 5)
	s.Equal("a", movements[0].ID)
}

func (s *GormRepositorySuite) TestFindMovementByDedupKey() {
	m := s.movement("m1", parking.DirectionEntry, 0)
	m.DedupKey = "k1"
	s.Require().NoError(s.repo.AppendMovement(s.ctx, m))

	got, err := s.repo.FindMovementByDedupKey(s.ctx, "k1")
	s.Require().NoError(err)
	s.Equal("m1", got.ID)
	s.Equal("k1", got.DedupKey)

	_, err = s.repo.FindMovementByDedupKey(s.ctx, "k2")
	s.ErrorIs(err, ErrNotFound)

	dup := s.movement("m2", parking.DirectionEntry, 0)
	dup.DedupKey = "k1"
	s.Error(s.repo.AppendMovement(s.ctx, dup), "dedup key is unique")

	s.Require().NoError(s.repo.AppendMovement(s.ctx, s.movement("m3", parking.DirectionExit, time.Hour)))
	s.Require().NoError(s.repo.AppendMovement(s.ctx, s.movement("m4", parking.DirectionExit, 2*time.Hour)), "movements without a dedup key never collide")
}

func (s *GormRepositorySuite) TestLockPairSerializesTransactions() {
	var (
		mu    sync.Mutex
		order []string
	)
	mark := func(v string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, v)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.repo.Tx(s.ctx, func(tx Store) error {
			if err := tx.LockPair(s.ctx, s.key); err != nil {
				return err
			}
			close(held)
			<-release
			mark("first")
			return nil
		})
	}()
	<-held

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.repo.Tx(s.ctx, func(tx Store) error {
			if err := tx.LockPair(s.ctx, s.key); err != nil {
				return err
			}
			mark("second")
			return nil
		})
	}()

	other := parking.PairKey{SiteID: s.key.SiteID, VRM: "ZZ99ZZZ"}
	s.Require().NoError(s.repo.Tx(s.ctx, func(tx Store) error {
		return tx.LockPair(s.ctx, other)
	}), "other pairs are not blocked")

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	s.Empty(order, "second transaction must wait for the pair lock")
	mu.Unlock()

	close(release)
	s.Require().NoError(<-firstDone)
	s.Require().NoError(<-secondDone)
	s.Equal([]string{"first", "second"}, order)
}
