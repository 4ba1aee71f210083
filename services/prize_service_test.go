package services

import (
	"context"
	"testing"
	"time"

	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestTierForRank(t *testing.T) {
	cases := []struct {
		rank int
		tier string
	}{
		{1, "A"},
		{2, "B"},
		{3, "C"},
		{4, "D"},
		{10, "D"},
		{11, "E"},
		{50, "E"},
	}
	for _, tc := range cases {
		tier := TierForRank(tc.rank)
		require.NotNil(t, tier, "rank %d", tc.rank)
		assert.Equal(t, tc.tier, tier.Tier, "rank %d", tc.rank)
	}

	assert.Nil(t, TierForRank(0))
	assert.Nil(t, TierForRank(51))
}

func seedEndedTournament(t *testing.T, db *gorm.DB, rankedUsers ...string) *models.Tournament {
	t.Helper()
	now := time.Now().UTC()
	tournament := models.Tournament{
		ID:        uuid.NewString(),
		Name:      "Finished Tournament",
		Slug:      "finished-" + uuid.NewString()[:8],
		Status:    models.TournamentEnded,
		StartDate: now.Add(-8 * 24 * time.Hour),
		EndDate:   now.Add(-24 * time.Hour),
		PrizePool: 10_000,
	}
	require.NoError(t, db.Create(&tournament).Error)

	for i, u := range rankedUsers {
		require.NoError(t, db.Create(&models.TournamentParticipant{
			ID:           uuid.NewString(),
			TournamentID: tournament.ID,
			UserID:       u,
			BestScore:    int64(1_000 - i*100),
			BestScoreAt:  now.Add(-48 * time.Hour),
			TotalGames:   1,
			FinalRank:    i + 1,
		}).Error)
	}
	return &tournament
}

func TestDistributePrizesAwardsByTier(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{}
	notifier := &fakeNotifier{}
	s := NewPrizeService(db, accounts, notifier, testLogger())

	tournament := seedEndedTournament(t, db, "alice", "bob", "carol", "dave")
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))

	var prizes []models.Prize
	require.NoError(t, db.Where("tournament_id = ?", tournament.ID).
		Order("rank ASC").Find(&prizes).Error)
	require.Len(t, prizes, 4)

	assert.Equal(t, "A", prizes[0].Tier)
	assert.Equal(t, int64(1_000), prizes[0].Coins)
	assert.Equal(t, int64(100), prizes[0].Gems)
	assert.Equal(t, "D", prizes[3].Tier)
	assert.Equal(t, int64(100), prizes[3].Coins)

	// One coins credit and one gems credit per winner, plus the audit rows.
	assert.Equal(t, 8, accounts.creditCount())
	var txns int64
	require.NoError(t, db.Model(&models.WalletTransaction{}).Count(&txns).Error)
	assert.Equal(t, int64(8), txns)
}

func TestDistributePrizesIsExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{}
	s := NewPrizeService(db, accounts, nil, testLogger())

	tournament := seedEndedTournament(t, db, "alice", "bob")
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))
	first := accounts.creditCount()

	// The second run finds every prize row already inserted and credits
	// nothing.
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))
	assert.Equal(t, first, accounts.creditCount())

	var prizeCount int64
	require.NoError(t, db.Model(&models.Prize{}).
		Where("tournament_id = ?", tournament.ID).Count(&prizeCount).Error)
	assert.Equal(t, int64(2), prizeCount)
}

func TestDistributePrizesKeepsUncreditedRowOnFailure(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{failAll: true}
	s := NewPrizeService(db, accounts, nil, testLogger())

	tournament := seedEndedTournament(t, db, "alice")
	err := s.DistributePrizes(context.Background(), tournament)
	assert.Error(t, err)

	var prize models.Prize
	require.NoError(t, db.Where("tournament_id = ? AND user_id = ?", tournament.ID, "alice").
		First(&prize).Error)
	assert.Nil(t, prize.CreditedAt, "failed credit stays uncredited for reconciliation")

	uncredited, err := s.UncreditedPrizes(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, uncredited, 1)
	assert.Equal(t, "alice", uncredited[0].UserID)

	// Reconciliation is manual: a retry run does not re-credit the row.
	accounts.failAll = false
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))
	assert.Zero(t, accounts.creditCount())
}

func TestDistributePrizesBackfillsWinnerMarker(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{failAll: true}
	s := NewPrizeService(db, accounts, nil, testLogger())

	// The first run inserts the prize row but dies on the credit, before
	// the participant is marked.
	tournament := seedEndedTournament(t, db, "alice")
	require.Error(t, s.DistributePrizes(context.Background(), tournament))

	var participant models.TournamentParticipant
	require.NoError(t, db.Where("tournament_id = ? AND user_id = ?", tournament.ID, "alice").
		First(&participant).Error)
	require.Empty(t, participant.PrizeWon)

	// A later run skips the existing prize but still backfills the marker.
	accounts.failAll = false
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))

	require.NoError(t, db.Where("tournament_id = ? AND user_id = ?", tournament.ID, "alice").
		First(&participant).Error)
	assert.Equal(t, "A", participant.PrizeWon)
	assert.Zero(t, accounts.creditCount(), "backfill never re-credits")
}

func TestDistributePrizesNotifiesWinners(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{}
	notifier := &fakeNotifier{}
	s := NewPrizeService(db, accounts, notifier, testLogger())

	tournament := seedEndedTournament(t, db, "alice", "bob")
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, "tournament_prize", notifier.sent[0].Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, notifier.users)
}

func TestClaimPrize(t *testing.T) {
	db := openTestDB(t)
	accounts := &fakeAccounts{}
	s := NewPrizeService(db, accounts, nil, testLogger())

	tournament := seedEndedTournament(t, db, "alice")
	require.NoError(t, s.DistributePrizes(context.Background(), tournament))

	prize, err := s.ClaimPrize(context.Background(), tournament.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, prize.ClaimedAt)

	// Claiming twice returns the same prize unchanged.
	again, err := s.ClaimPrize(context.Background(), tournament.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, prize.ID, again.ID)

	_, err = s.ClaimPrize(context.Background(), tournament.ID, "nobody")
	assert.Error(t, err)
}
