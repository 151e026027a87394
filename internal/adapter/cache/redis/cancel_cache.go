// Package redis provides the distributed cancellation cache. The job store
// flag stays authoritative; workers consult the cache first and fall back to
// the store on any miss or error.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// CancelCache stores cancel markers under cancel:{job_id} with a TTL.
type CancelCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCancelCache constructs a CancelCache. A zero ttl defaults to 30m.
func NewCancelCache(rdb *redis.Client, ttl time.Duration) *CancelCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CancelCache{rdb: rdb, ttl: ttl}
}

func cancelKey(jobID int64) string {
	return "cancel:" + strconv.FormatInt(jobID, 10)
}

// Set writes the cancel marker for a job.
func (c *CancelCache) Set(ctx domain.Context, jobID int64, rec domain.CancelRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=cancelcache.Set: marshal: %w", err)
	}
	if err := c.rdb.Set(ctx, cancelKey(jobID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=cancelcache.Set: %w", err)
	}
	return nil
}

// Get reads the cancel marker for a job; ok=false on a miss.
func (c *CancelCache) Get(ctx domain.Context, jobID int64) (domain.CancelRecord, bool, error) {
	raw, err := c.rdb.Get(ctx, cancelKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CancelRecord{}, false, nil
	}
	if err != nil {
		return domain.CancelRecord{}, false, fmt.Errorf("op=cancelcache.Get: %w", err)
	}
	var rec domain.CancelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CancelRecord{}, false, fmt.Errorf("op=cancelcache.Get: decode: %w", err)
	}
	return rec, true, nil
}
