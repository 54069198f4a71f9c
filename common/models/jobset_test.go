package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobsetShareAccounting(t *testing.T) {
	jobset := NewJobset(1, "proj", "main")
	jobset.SetShares(100)

	now := time.Now()
	jobset.AddStep(now.Unix(), 200)
	jobset.AddStep(now.Unix()-60, 100)

	assert.Equal(t, int64(300), jobset.Seconds())
	assert.InDelta(t, 3.0, jobset.ShareUsed(), 0.0001)

	// Steps inside the window survive pruning; ancient ones don't.
	jobset.AddStep(now.Add(-SchedulingWindow-time.Hour).Unix(), 1000)
	assert.Equal(t, int64(1300), jobset.Seconds())
	jobset.PruneSteps(now)
	assert.Equal(t, int64(300), jobset.Seconds())

	// Shares below one are clamped.
	jobset.SetShares(0)
	assert.Equal(t, 1, jobset.Shares())
}
