package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-engine/coin"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApply_CommitsOnNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Apply(ctx, func(tx coin.Tx) error {
		return tx.PutBalance(ctx, coin.Balance{UserID: "u1", CampaignID: "c1", Available: 50, UpdatedAt: time.Now()})
	})
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Available)
}

func TestApply_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that writes a balance, a grant, and an
	//        allocation before failing
	// WHEN:  the callback returns an error
	// THEN:  none of the rows survive, including the dedupe key

	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Apply(ctx, func(tx coin.Tx) error {
		if err := tx.PutBalance(ctx, coin.Balance{UserID: "u1", CampaignID: "c1", Available: 50, UpdatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.AppendGrant(ctx, coin.Grant{ID: "g1", UserID: "u1", CampaignID: "c1", Amount: 50, DedupeKey: "k1", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.PutAllocation(ctx, coin.Allocation{UserID: "u1", IdeaID: "i1", CampaignID: "c1", Amount: 10, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := s.GetBalance(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Zero(t, bal.Total())

	total, err := s.GrantTotal(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, total)

	alloc, err := s.GetAllocation(ctx, "u1", "i1")
	require.NoError(t, err)
	assert.Nil(t, alloc)

	// The dedupe key rolled back with the row.
	err = s.Apply(ctx, func(tx coin.Tx) error {
		return tx.AppendGrant(ctx, coin.Grant{ID: "g1", UserID: "u1", CampaignID: "c1", Amount: 50, DedupeKey: "k1", CreatedAt: time.Now()})
	})
	require.NoError(t, err)
}

func TestAppendGrant_DuplicateKeyMapsToSentinel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	write := func(id string) error {
		return s.Apply(ctx, func(tx coin.Tx) error {
			return tx.AppendGrant(ctx, coin.Grant{ID: id, UserID: "u1", CampaignID: "c1", Amount: 10, DedupeKey: "initial:c1:u1", CreatedAt: time.Now()})
		})
	}

	require.NoError(t, write("g1"))
	err := write("g2")
	require.ErrorIs(t, err, coin.ErrDuplicateGrant)

	total, err := s.GrantTotal(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestApply_ConcurrentWriterMapsToErrConflict(t *testing.T) {
	// GIVEN: one store holding the write lock in an open transaction
	// WHEN:  a second connection's transaction exceeds its busy timeout
	// THEN:  the failure surfaces as coin.ErrConflict

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	holder, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { holder.Close() })

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_txlock=immediate&_busy_timeout=100")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	waiter := &Store{db: db}
	t.Cleanup(func() { waiter.Close() })

	locked := make(chan struct{})
	release := make(chan struct{})
	holderErr := make(chan error, 1)
	go func() {
		holderErr <- holder.Apply(ctx, func(tx coin.Tx) error {
			if err := tx.PutBalance(ctx, coin.Balance{UserID: "u1", CampaignID: "c1", Available: 1, UpdatedAt: time.Now()}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err = waiter.Apply(ctx, func(tx coin.Tx) error {
		return tx.PutBalance(ctx, coin.Balance{UserID: "u2", CampaignID: "c1", Available: 1, UpdatedAt: time.Now()})
	})
	close(release)
	require.ErrorIs(t, err, coin.ErrConflict)
	require.NoError(t, <-holderErr)
}

func TestPutBalance_RejectsNegativeBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Apply(ctx, func(tx coin.Tx) error {
		return tx.PutBalance(ctx, coin.Balance{UserID: "u1", CampaignID: "c1", Available: -5, UpdatedAt: time.Now()})
	})
	require.Error(t, err)

	bal, err := s.GetBalance(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Zero(t, bal.Total())
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, isBusyError(errors.New("database is locked")))
	assert.True(t, isBusyError(errors.New("SQLITE_BUSY: locked")))
	assert.False(t, isBusyError(nil))
	assert.False(t, isBusyError(errors.New("syntax error")))

	assert.True(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: grants.dedupe_key")))
	assert.False(t, isUniqueConstraintError(nil))
	assert.False(t, isUniqueConstraintError(errors.New("database is locked")))
}

func TestAllocationRoundTrip_PreservesTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	expended := created.Add(48 * time.Hour)

	err := s.Apply(ctx, func(tx coin.Tx) error {
		return tx.PutAllocation(ctx, coin.Allocation{
			UserID: "u1", IdeaID: "i1", CampaignID: "c1",
			Amount: 30, Expended: true,
			CreatedAt: created, ExpendedAt: &expended,
		})
	})
	require.NoError(t, err)

	alloc, err := s.GetAllocation(ctx, "u1", "i1")
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.True(t, alloc.Expended)
	assert.True(t, alloc.CreatedAt.Equal(created))
	require.NotNil(t, alloc.ExpendedAt)
	assert.True(t, alloc.ExpendedAt.Equal(expended))
}

func TestGetBalance_UnknownUserIsZeroed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bal, err := s.GetBalance(ctx, "nobody", "c1")
	require.NoError(t, err)
	assert.Equal(t, coin.UserID("nobody"), bal.UserID)
	assert.Equal(t, coin.CampaignID("c1"), bal.CampaignID)
	assert.Zero(t, bal.Total())
}

func TestTotalCoins_IgnoresExpendedAndZeroed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Apply(ctx, func(tx coin.Tx) error {
		if err := tx.PutAllocation(ctx, coin.Allocation{UserID: "a", IdeaID: "i1", CampaignID: "c1", Amount: 30, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.PutAllocation(ctx, coin.Allocation{UserID: "b", IdeaID: "i1", CampaignID: "c1", Amount: 20, Expended: true, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.PutAllocation(ctx, coin.Allocation{UserID: "c", IdeaID: "i1", CampaignID: "c1", Amount: 0, CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	total, err := s.TotalCoins(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), total)
}

func TestStrandedAllocations_OnlyWithdrawnIdeas(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveIdea(ctx, coin.IdeaRef{ID: "live", CampaignID: "c1", Status: coin.IdeaCompeting, AuthorID: "a"}))
	require.NoError(t, s.SaveIdea(ctx, coin.IdeaRef{ID: "gone", CampaignID: "c1", Status: coin.IdeaWithdrawn, AuthorID: "a"}))

	err := s.Apply(ctx, func(tx coin.Tx) error {
		if err := tx.PutAllocation(ctx, coin.Allocation{UserID: "a", IdeaID: "live", CampaignID: "c1", Amount: 10, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.PutAllocation(ctx, coin.Allocation{UserID: "a", IdeaID: "gone", CampaignID: "c1", Amount: 25, CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	stranded, err := s.StrandedAllocations(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, coin.IdeaID("gone"), stranded[0].IdeaID)
	assert.Equal(t, int64(25), stranded[0].Amount)
}

func TestSavePolicy_BumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := coin.Policy{CampaignID: "c1", InitialAllocation: 100, MinAllocation: 1}
	require.NoError(t, s.SavePolicy(ctx, p))

	loaded, err := s.LoadPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)

	p.InitialAllocation = 200
	require.NoError(t, s.SavePolicy(ctx, p))

	loaded, err = s.LoadPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, int64(200), loaded.InitialAllocation)
}

func TestLoadPolicy_UnknownCampaignSentinel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LoadPolicy(ctx, "nope")
	require.ErrorIs(t, err, coin.ErrPolicyNotFound)
}

func TestCampaignDirectory_UpsertAndNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Campaign(ctx, "c1")
	require.ErrorIs(t, err, coin.ErrCampaignNotFound)

	require.NoError(t, s.SaveCampaign(ctx, coin.CampaignRef{ID: "c1", Name: "First", Active: true}))
	require.NoError(t, s.SaveCampaign(ctx, coin.CampaignRef{ID: "c1", Name: "Renamed", Active: false}))

	ref, err := s.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", ref.Name)
	assert.False(t, ref.Active)

	all, err := s.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIdeaDirectory_SentinelAndStatusValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Idea(ctx, "i1")
	require.ErrorIs(t, err, coin.ErrIdeaNotFound)

	err = s.SaveIdea(ctx, coin.IdeaRef{ID: "i1", CampaignID: "c1", Status: "winning", AuthorID: "a"})
	require.Error(t, err)

	require.NoError(t, s.SaveIdea(ctx, coin.IdeaRef{ID: "i1", CampaignID: "c1", Status: coin.IdeaCompeting, AuthorID: "a"}))
	ref, err := s.Idea(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, coin.IdeaCompeting, ref.Status)
}

func TestListAuditRuns_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveAuditRun(ctx, coin.AuditRun{
			ID:         string(rune('a' + i)),
			CampaignID: "c1",
			Status:     coin.AuditPass,
			StartedAt:  base.AddDate(0, 0, i),
			FinishedAt: base.AddDate(0, 0, i),
		}))
	}

	runs, err := s.ListAuditRuns(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "e", runs[0].ID)
	assert.Equal(t, "c", runs[2].ID)
}
