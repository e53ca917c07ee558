package core

import "time"

// Environment variable names. All configuration-bearing variables use the
// HARVEST_ prefix; a handful of infra-standard names (REDIS_URL, PORT) are
// read without a prefix so the daemon drops into common container/k8s setups
// unchanged.
const (
	EnvRedisURL  = "REDIS_URL"
	EnvNamespace = "NAMESPACE"
	EnvPort      = "PORT"
	EnvDevMode   = "HARVEST_DEV_MODE"

	EnvAgentName = "HARVEST_NAME"
	EnvAgentID   = "HARVEST_ID"
	EnvAddress   = "HARVEST_ADDRESS"
)

// Redis key prefixes. Each subsystem owns its own prefix so keys can be
// scanned/expired independently and so a shared Redis instance can host
// multiple subsystems without collision.
const (
	RedisPrefixDomainIntel  = "harvest:domain:"
	RedisPrefixSession      = "harvest:session:"
	RedisPrefixIntervention = "harvest:intervention:"
	RedisPrefixRun          = "harvest:run:"
	RedisPrefixRateLimit    = "harvest:ratelimit:"
)

// Redis logical database isolation. A single Redis instance is split by DB
// number so that, e.g., flushing the rate-limit DB during an incident can't
// accidentally wipe session state.
const (
	RedisDBDomainIntel    = 0
	RedisDBRateLimit      = 1
	RedisDBSessions       = 2
	RedisDBCircuitBreaker = 3
)

// Intervention TTL defaults, keyed by task kind. A login-refresh task is
// cheap for an operator to act on and goes stale fast; a manual-access
// request (e.g. a site that demands a support ticket) can sit for weeks.
const (
	DefaultLoginRefreshTTL = 24 * time.Hour
	DefaultSelectorFixTTL  = 72 * time.Hour
	DefaultFieldConfirmTTL = 7 * 24 * time.Hour
	DefaultManualAccessTTL = 14 * 24 * time.Hour
)

// Intervention throttle defaults: at most this many pending tasks per
// job / per domain before new triggers are deduplicated against an
// existing pending task or rejected outright.
const (
	DefaultInterventionThrottlePerJob    = 5
	DefaultInterventionThrottlePerDomain = 20
)

// Session Pool defaults.
const (
	DefaultSessionTrustFloor   = 40
	DefaultSessionMaxUses      = 200
	DefaultSessionMaxAgeSecond = 7200
)
