package ems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// LocationCache keeps the latest sample per ambulance. Offer applies a
// sample only when it is not older than the stored one.
type LocationCache interface {
	Offer(ctx context.Context, s LocationSample) (bool, error)
	// Latest returns nil without error for an ambulance never seen.
	Latest(ctx context.Context, ambulanceID string) (*LocationSample, error)
	All(ctx context.Context) ([]LocationSample, error)
}

// MemoryLocations is a process-local LocationCache.
type MemoryLocations struct {
	mu     sync.RWMutex
	latest map[string]LocationSample
}

func NewMemoryLocations() *MemoryLocations {
	return &MemoryLocations{latest: make(map[string]LocationSample)}
}

func (c *MemoryLocations) Offer(_ context.Context, s LocationSample) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.latest[s.AmbulanceID]; ok && s.Timestamp.Before(cur.Timestamp) {
		return false, nil
	}
	c.latest[s.AmbulanceID] = s
	return true, nil
}

func (c *MemoryLocations) Latest(_ context.Context, ambulanceID string) (*LocationSample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[ambulanceID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (c *MemoryLocations) All(_ context.Context) ([]LocationSample, error) {
	c.mu.RLock()
	out := make([]LocationSample, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sortSamples(out)
	return out, nil
}

const (
	redisLocationsKey   = "ems:locations"
	redisLocationsTSKey = "ems:locations:ts"
)

// offerScript stores a sample unless a newer timestamp (unix micros) is
// already recorded for the ambulance. Micros stay exact in Lua numbers.
var offerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// RedisLocations shares the latest samples between server instances.
type RedisLocations struct {
	rdb *redis.Client
}

// NewRedisLocations returns a cache stored in two Redis hashes keyed by
// ambulance ID.
func NewRedisLocations(rdb *redis.Client) *RedisLocations {
	return &RedisLocations{rdb: rdb}
}

func (c *RedisLocations) Offer(ctx context.Context, s LocationSample) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	res, err := offerScript.Run(ctx, c.rdb, []string{redisLocationsTSKey, redisLocationsKey},
		s.AmbulanceID, s.Timestamp.UnixMicro(), string(data)).Int()
	if err != nil {
		return false, fmt.Errorf("offer location: %w", err)
	}
	return res == 1, nil
}

func (c *RedisLocations) Latest(ctx context.Context, ambulanceID string) (*LocationSample, error) {
	raw, err := c.rdb.HGet(ctx, redisLocationsKey, ambulanceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	var s LocationSample
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode location of %s: %w", ambulanceID, err)
	}
	return &s, nil
}

func (c *RedisLocations) All(ctx context.Context) ([]LocationSample, error) {
	raw, err := c.rdb.HGetAll(ctx, redisLocationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	out := make([]LocationSample, 0, len(raw))
	for id, v := range raw {
		var s LocationSample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode location of %s: %w", id, err)
		}
		out = append(out, s)
	}
	sortSamples(out)
	return out, nil
}

func sortSamples(s []LocationSample) {
	sort.Slice(s, func(i, j int) bool { return s[i].AmbulanceID < s[j].AmbulanceID })
}
