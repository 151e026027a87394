package app

import "context"

// Pinger is the connectivity probe shared by the database pool and the
// broker client.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the slice of the Redis API readiness needs.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the db, redis, and broker probes for the
// readyz handler. A nil dependency yields a nil check, which the handler
// skips, so partial deployments stay ready on the probes they carry.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, broker Pinger) (db, redis, amqp func(ctx context.Context) error) {
	if pool != nil {
		db = pool.Ping
	}
	if rdb != nil {
		redis = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if broker != nil {
		amqp = broker.Ping
	}
	return db, redis, amqp
}
