package redis

import (
	"context"
	"testing"
	"time"
)

// The ttl guard fires before any network round trip, so a nil client is safe
// here.
func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	lm := &LockManager{}
	for _, ttl := range []time.Duration{0, -time.Minute} {
		if _, err := lm.Acquire(context.Background(), "backfill", ttl); err == nil {
			t.Errorf("Acquire with ttl %s: want error, got nil", ttl)
		}
	}
}
