package hlc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tabletraft/tabletraft/pkg/hlc"
)

func TestNowIsMonotonic(t *testing.T) {
	c := hlc.New(500 * time.Millisecond)
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestUpdateAdvancesPastObservedTime(t *testing.T) {
	c := hlc.New(500 * time.Millisecond)
	future := c.Now() + (1 << 30)
	c.Update(future)
	assert.Greater(t, c.Now(), future)
}

func TestMaxSafeTimeToReadAtTrailsNow(t *testing.T) {
	c := hlc.New(500 * time.Millisecond)
	now := c.Now()
	safe := c.MaxSafeTimeToReadAt()
	assert.LessOrEqual(t, safe, now)
}
