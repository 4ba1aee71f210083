package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"game-leaderboard-system/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB gives each test its own in-memory database with the full
// schema migrated. TranslateError is on, same as production, so the
// duplicate-key paths behave identically.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.GameEvent{},
		&models.TournamentEventClaim{},
		&models.GlobalStanding{},
		&models.LeaderboardSnapshot{},
		&models.Tournament{},
		&models.TournamentParticipant{},
		&models.Prize{},
		&models.WalletTransaction{},
		&models.AntiCheatLog{},
		&models.DeviceFingerprint{},
	)
	require.NoError(t, err)
	return db
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

type creditCall struct {
	UserID   string
	Currency string
	Amount   int64
}

// fakeAccounts stands in for the player-account service.
type fakeAccounts struct {
	mu      sync.Mutex
	calls   []creditCall
	balance int64
	failAll bool
}

func (f *fakeAccounts) Credit(_ context.Context, userID, currency string, amount int64, _ string) (CreditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return CreditResult{}, errors.New("account service unavailable")
	}
	prev := f.balance
	f.balance += amount
	f.calls = append(f.calls, creditCall{UserID: userID, Currency: currency, Amount: amount})
	return CreditResult{PreviousBalance: prev, NewBalance: f.balance}, nil
}

func (f *fakeAccounts) creditCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeNotifier records notifications instead of delivering them.
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	users []string
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	f.users = append(f.users, userID)
	return nil
}
