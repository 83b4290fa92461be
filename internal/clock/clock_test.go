package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealNowUsesUTC(t *testing.T) {
	now := Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestManual_Advance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewManual(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(48*time.Hour), c.Advance(48*time.Hour))
	assert.Equal(t, start.Add(48*time.Hour), c.Now())
}

func TestManual_AdvanceIgnoresNegative(t *testing.T) {
	start := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(-time.Hour)
	assert.Equal(t, start, c.Now())
}

func TestManual_Set(t *testing.T) {
	c := NewManual(time.Time{})
	target := time.Date(2030, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	c.Set(target)
	assert.True(t, c.Now().Equal(target))
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestManual_ConcurrentAccess(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, time.Unix(50, 0).UTC(), c.Now())
}
