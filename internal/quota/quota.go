package quota

import (
	"context"
	"fmt"
	"time"

	"PulseDispatch/internal/kvstore"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
)

// BucketTTL bounds how long an untouched bucket lives. It runs from the
// bucket's first increment, not from the top of the hour.
const BucketTTL = 3600 * time.Second

type Decision struct {
	Allowed    bool
	Usage      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Counter enforces a per-sender hourly send quota. Usage is consumed on
// check: a denied or later-abandoned attempt still counts.
type Counter struct {
	KV     kvstore.Store
	Prefix string
	Now    func() time.Time
}

func NewCounter(kv kvstore.Store, prefix string) *Counter {
	return &Counter{KV: kv, Prefix: prefix, Now: time.Now}
}

func (c *Counter) TryConsume(ctx context.Context, senderID string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = models.DefaultHourlyLimit
	}
	now := c.Now()
	key := BucketKey(c.Prefix, senderID, now)

	usage, err := c.KV.IncrWithTTL(ctx, key, BucketTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("quota incr: %w", err)
	}

	if usage > int64(limit) {
		metrics.QuotaChecks.WithLabelValues("denied").Inc()
		return Decision{
			Allowed:    false,
			Usage:      usage,
			RetryAfter: UntilNextHour(now),
		}, nil
	}

	metrics.QuotaChecks.WithLabelValues("allowed").Inc()
	return Decision{
		Allowed:   true,
		Usage:     usage,
		Remaining: int64(limit) - usage,
	}, nil
}

// BucketKey maps every instant inside one UTC hour to the same key.
func BucketKey(prefix, senderID string, t time.Time) string {
	hour := t.UTC().Format("2006-01-02T15")
	if prefix == "" {
		return "quota:" + senderID + ":" + hour
	}
	return prefix + ":quota:" + senderID + ":" + hour
}

func UntilNextHour(t time.Time) time.Duration {
	t = t.UTC()
	return t.Truncate(time.Hour).Add(time.Hour).Sub(t)
}
