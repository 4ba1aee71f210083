package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-leaderboard-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PrizeTier is one row of the payout table.
type PrizeTier struct {
	Tier    string
	MinRank int
	MaxRank int
	Coins   int64
	Gems    int64
}

// prizeTiers is the payout table for a standard weekly tournament. Ranks
// beyond 50 win nothing.
var prizeTiers = []PrizeTier{
	{Tier: "A", MinRank: 1, MaxRank: 1, Coins: 1000, Gems: 100},
	{Tier: "B", MinRank: 2, MaxRank: 2, Coins: 500, Gems: 50},
	{Tier: "C", MinRank: 3, MaxRank: 3, Coins: 250, Gems: 25},
	{Tier: "D", MinRank: 4, MaxRank: 10, Coins: 100, Gems: 10},
	{Tier: "E", MinRank: 11, MaxRank: 50, Coins: 50, Gems: 5},
}

// TierForRank returns the payout tier for a final rank, or nil when the
// rank wins nothing.
func TierForRank(rank int) *PrizeTier {
	for i := range prizeTiers {
		if rank >= prizeTiers[i].MinRank && rank <= prizeTiers[i].MaxRank {
			return &prizeTiers[i]
		}
	}
	return nil
}

// PrizeService awards tournament payouts. Exactly-once is enforced by the
// unique index on prizes(tournament_id, user_id): the insert is the claim,
// and a duplicate-key error means some earlier run already awarded this
// winner, so the credit is skipped without touching balances.
type PrizeService struct {
	DB       *gorm.DB
	Accounts AccountCrediter
	Notifier Notifier
	Log      *zap.Logger
}

func NewPrizeService(db *gorm.DB, accounts AccountCrediter, notifier Notifier, log *zap.Logger) *PrizeService {
	return &PrizeService{DB: db, Accounts: accounts, Notifier: notifier, Log: log}
}

// DistributePrizes awards every paying rank of a finished tournament.
// Winner failures are isolated: one failed credit never blocks the other
// payouts, and the whole call is safe to re-run because awarded winners
// are skipped via the unique index.
func (s *PrizeService) DistributePrizes(ctx context.Context, tournament *models.Tournament) error {
	maxPaying := prizeTiers[len(prizeTiers)-1].MaxRank

	var winners []models.TournamentParticipant
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND final_rank BETWEEN 1 AND ?", tournament.ID, maxPaying).
		Order("final_rank ASC").
		Find(&winners).Error
	if err != nil {
		return fmt.Errorf("failed to load winners: %w", err)
	}

	awarded, failed := 0, 0
	for _, winner := range winners {
		tier := TierForRank(winner.FinalRank)
		if tier == nil {
			continue
		}
		ok, err := s.awardOne(ctx, tournament, winner, tier)
		if err != nil {
			failed++
			s.Log.Error("prize award failed",
				zap.String("tournament_id", tournament.ID),
				zap.String("user_id", winner.UserID),
				zap.Int("rank", winner.FinalRank),
				zap.Error(err))
			continue
		}
		if ok {
			awarded++
		}
	}

	s.Log.Info("prize distribution complete",
		zap.String("tournament_id", tournament.ID),
		zap.Int("winners", len(winners)),
		zap.Int("awarded", awarded),
		zap.Int("failed", failed))

	if failed > 0 {
		return fmt.Errorf("%d of %d prize awards failed", failed, len(winners))
	}
	return nil
}

// awardOne claims, credits, and records a single payout. Returns false
// when the prize already existed and nothing was done.
func (s *PrizeService) awardOne(ctx context.Context, tournament *models.Tournament, winner models.TournamentParticipant, tier *PrizeTier) (bool, error) {
	prize := models.Prize{
		ID:           uuid.NewString(),
		TournamentID: tournament.ID,
		UserID:       winner.UserID,
		Rank:         winner.FinalRank,
		Tier:         tier.Tier,
		Coins:        tier.Coins,
		Gems:         tier.Gems,
	}
	if err := s.DB.WithContext(ctx).Create(&prize).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Already awarded by an earlier run. That run may have died
			// before marking the participant, so backfill the marker.
			s.markPrizeWon(ctx, winner.ID, winner.UserID, tier.Tier)
			return false, nil
		}
		return false, fmt.Errorf("failed to insert prize: %w", err)
	}

	if err := s.credit(ctx, tournament, &prize); err != nil {
		// The prize row stays with a nil credited_at so reconciliation
		// can find it. It is never re-credited automatically.
		return false, err
	}

	s.markPrizeWon(ctx, winner.ID, winner.UserID, tier.Tier)
	s.notifyWinner(ctx, tournament, &prize)
	return true, nil
}

func (s *PrizeService) markPrizeWon(ctx context.Context, participantID, userID, tier string) {
	err := s.DB.WithContext(ctx).Model(&models.TournamentParticipant{}).
		Where("id = ?", participantID).
		Update("prize_won", tier).Error
	if err != nil {
		s.Log.Warn("failed to mark participant prize",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *PrizeService) credit(ctx context.Context, tournament *models.Tournament, prize *models.Prize) error {
	reason := fmt.Sprintf("tournament %s rank %d payout", tournament.Slug, prize.Rank)

	credits := []struct {
		currency string
		amount   int64
	}{
		{"coins", prize.Coins},
		{"gems", prize.Gems},
	}
	for _, c := range credits {
		if c.amount == 0 {
			continue
		}
		result, err := s.Accounts.Credit(ctx, prize.UserID, c.currency, c.amount, reason)
		if err != nil {
			return fmt.Errorf("failed to credit %d %s: %w", c.amount, c.currency, err)
		}
		txn := models.WalletTransaction{
			ID:              uuid.NewString(),
			UserID:          prize.UserID,
			TournamentID:    prize.TournamentID,
			PrizeID:         prize.ID,
			Currency:        c.currency,
			Amount:          c.amount,
			PreviousBalance: result.PreviousBalance,
			NewBalance:      result.NewBalance,
			Reason:          reason,
		}
		if err := s.DB.WithContext(ctx).Create(&txn).Error; err != nil {
			s.Log.Error("failed to record wallet transaction",
				zap.String("prize_id", prize.ID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	err := s.DB.WithContext(ctx).Model(&models.Prize{}).
		Where("id = ?", prize.ID).
		Update("credited_at", now).Error
	if err != nil {
		return fmt.Errorf("failed to mark prize credited: %w", err)
	}
	prize.CreditedAt = &now
	return nil
}

// notifyWinner is fire and forget. Delivery failures are logged and
// dropped, they never affect the payout.
func (s *PrizeService) notifyWinner(ctx context.Context, tournament *models.Tournament, prize *models.Prize) {
	if s.Notifier == nil {
		return
	}
	err := s.Notifier.Notify(ctx, prize.UserID, Notification{
		Type: "tournament_prize",
		Payload: map[string]interface{}{
			"tournament_id":   tournament.ID,
			"tournament_name": tournament.Name,
			"rank":            prize.Rank,
			"tier":            prize.Tier,
			"coins":           prize.Coins,
			"gems":            prize.Gems,
		},
	})
	if err != nil {
		s.Log.Warn("winner notification failed",
			zap.String("user_id", prize.UserID), zap.Error(err))
	}
}

// ClaimPrize marks a prize as claimed by the player. Claiming is a UI
// acknowledgement, the balance was already credited at distribution time.
func (s *PrizeService) ClaimPrize(ctx context.Context, tournamentID, userID string) (*models.Prize, error) {
	var prize models.Prize
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
		First(&prize).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no prize for user %s in tournament %s", userID, tournamentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prize: %w", err)
	}
	if prize.ClaimedAt != nil {
		return &prize, nil
	}

	now := time.Now().UTC()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Prize{}).
			Where("id = ? AND claimed_at IS NULL", prize.ID).
			Update("claimed_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&models.TournamentParticipant{}).
			Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
			Update("prize_claimed", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim prize: %w", err)
	}
	prize.ClaimedAt = &now
	return &prize, nil
}

// UncreditedPrizes lists prizes whose balance credit failed, for manual
// reconciliation.
func (s *PrizeService) UncreditedPrizes(ctx context.Context, limit int) ([]models.Prize, error) {
	var prizes []models.Prize
	err := s.DB.WithContext(ctx).
		Where("credited_at IS NULL").
		Order("awarded_at ASC").
		Limit(limit).
		Find(&prizes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uncredited prizes: %w", err)
	}
	return prizes, nil
}
