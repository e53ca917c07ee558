package domainintel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/corvid-labs/harvest/core"
)

// RedisStore is the Redis-backed Store, grounded in the teacher's
// atomic-pipeline update pattern for counters (MULTI/EXEC around INCR
// plus a capped list push, the same discipline the teacher's registry
// uses for heartbeat/TTL refreshes). The RedisClient passed in should
// be constructed with DB core.RedisDBDomainIntel and namespace
// core.RedisPrefixDomainIntel.
//
// Key layout (namespace-relative, prefixed by the RedisClient):
//
//	{domain}:{engine}:attempts        — INCR counter
//	{domain}:{engine}:successes       — INCR counter
//	{domain}:{engine}:escalations_sum — running sum, divided by attempts for the average
//	{domain}:{engine}:cost_sum        — running sum, divided by attempts for the average
//	{domain}:window                   — capped LPUSH/LTRIM list of json attemptRecord
//	{domain}:humanstreak              — INCR/reset counter
type RedisStore struct {
	client *core.RedisClient
}

// NewRedisStore wraps an already-constructed core.RedisClient.
func NewRedisStore(client *core.RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func engineStatsKey(domain string, engine core.EngineKind, field string) string {
	return fmt.Sprintf("%s:%s:%s", domain, engine, field)
}

func windowKey(domain string) string {
	return domain + ":window"
}

func streakKey(domain string) string {
	return domain + ":humanstreak"
}

func (r *RedisStore) Lookup(ctx context.Context, domain string) (map[core.EngineKind]core.EngineStats, core.DomainConfig, error) {
	out := make(map[core.EngineKind]core.EngineStats)
	for _, engine := range []core.EngineKind{core.EngineHTTP, core.EngineBrowser, core.EngineProvider} {
		stats, err := r.readEngineStats(ctx, domain, engine)
		if err != nil {
			return nil, core.DomainConfig{}, err
		}
		if stats.Attempts > 0 {
			out[engine] = stats
		}
	}

	window, err := r.readWindow(ctx, domain)
	if err != nil {
		return nil, core.DomainConfig{}, err
	}

	streakStr, err := r.client.Get(ctx, streakKey(domain))
	streak := 0
	if err == nil {
		fmt.Sscanf(streakStr, "%d", &streak)
	} else if err != redis.Nil {
		return nil, core.DomainConfig{}, fmt.Errorf("domainintel: reading human streak: %w", err)
	}

	cfg := classify(domain, window, out, streak)
	return out, cfg, nil
}

func (r *RedisStore) readEngineStats(ctx context.Context, domain string, engine core.EngineKind) (core.EngineStats, error) {
	attempts := r.readInt(ctx, engineStatsKey(domain, engine, "attempts"))
	successes := r.readInt(ctx, engineStatsKey(domain, engine, "successes"))
	escalationsSum := r.readFloat(ctx, engineStatsKey(domain, engine, "escalations_sum"))
	costSum := r.readFloat(ctx, engineStatsKey(domain, engine, "cost_sum"))

	stats := core.EngineStats{Attempts: attempts, Successes: successes}
	if attempts > 0 {
		stats.AvgEscalations = escalationsSum / float64(attempts)
		stats.AvgCostPerRecord = costSum / float64(attempts)
	}
	return stats, nil
}

func (r *RedisStore) readInt(ctx context.Context, key string) int {
	v, err := r.client.Get(ctx, key)
	if err != nil {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

func (r *RedisStore) readFloat(ctx context.Context, key string) float64 {
	v, err := r.client.Get(ctx, key)
	if err != nil {
		return 0
	}
	var f float64
	fmt.Sscanf(v, "%g", &f)
	return f
}

func (r *RedisStore) readWindow(ctx context.Context, domain string) ([]attemptRecord, error) {
	raw, err := r.client.LRange(ctx, windowKey(domain), 0, blockRateWindow-1)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("domainintel: reading window: %w", err)
	}

	records := make([]attemptRecord, 0, len(raw))
	for _, item := range raw {
		var rec attemptRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecordOutcome updates counters and the rolling window inside a
// single MULTI/EXEC transaction, so a partial write is never observed.
func (r *RedisStore) RecordOutcome(ctx context.Context, o Outcome) error {
	rec := attemptRecord{Engine: o.Engine, Success: o.Success, ResponseCode: o.ResponseCode, HadCaptcha: o.HadCaptcha}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("domainintel: marshaling attempt record: %w", err)
	}

	var costPerRecord float64
	if o.RecordsExtracted > 0 {
		costPerRecord = 1.0 / float64(o.RecordsExtracted)
	}

	err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, r.client.FormatKey(engineStatsKey(o.Domain, o.Engine, "attempts")))
		if o.Success {
			pipe.Incr(ctx, r.client.FormatKey(engineStatsKey(o.Domain, o.Engine, "successes")))
		}
		pipe.IncrByFloat(ctx, r.client.FormatKey(engineStatsKey(o.Domain, o.Engine, "escalations_sum")), float64(o.Escalations))
		pipe.IncrByFloat(ctx, r.client.FormatKey(engineStatsKey(o.Domain, o.Engine, "cost_sum")), costPerRecord)
		pipe.LPush(ctx, r.client.FormatKey(windowKey(o.Domain)), recJSON)
		pipe.LTrim(ctx, r.client.FormatKey(windowKey(o.Domain)), 0, blockRateWindow-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("domainintel: recording outcome: %w", err)
	}

	cfg, err := r.Classify(ctx, o.Domain)
	if err != nil {
		return err
	}
	if cfg.AccessClass == core.AccessHuman {
		if _, err := r.client.Incr(ctx, streakKey(o.Domain)); err != nil {
			return fmt.Errorf("domainintel: incrementing human streak: %w", err)
		}
	} else if err := r.client.Set(ctx, streakKey(o.Domain), "0", 0); err != nil {
		return fmt.Errorf("domainintel: resetting human streak: %w", err)
	}
	return nil
}

func (r *RedisStore) Classify(ctx context.Context, domain string) (core.DomainConfig, error) {
	_, cfg, err := r.Lookup(ctx, domain)
	return cfg, err
}
