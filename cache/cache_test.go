package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaderboardKey(t *testing.T) {
	assert.Equal(t, "global:all:top100", LeaderboardKey("global", "all", 100))
	assert.Equal(t, "tournament:weekly-2026-w36:top50",
		LeaderboardKey("tournament", "weekly-2026-w36", 50))
}

func TestCacheWithoutClientIsNilSafe(t *testing.T) {
	c := New(nil, nil)
	ctx := context.Background()

	c.SetLeaderboard(ctx, "global:all:top100", []string{"x"}, 1, time.Minute)
	c.Invalidate(ctx, "global:all:top100")

	var dest []string
	assert.False(t, c.GetLeaderboard(ctx, "global:all:top100", &dest), "reads always miss without a client")
}
