package fairdraw

import "time"

const (
	// Scale is the size of the draw space: every outcome draw is an integer in [0, Scale-1].
	Scale = 100000

	// DefaultSecretLength is the default length of a server seed in characters.
	// 64 characters over the 62-symbol alphabet carry ~381 bits of entropy.
	DefaultSecretLength = 64

	// MinSecretLength is the shortest server seed that still carries 256 bits over SecretAlphabet
	MinSecretLength = 43

	// MaxSecretLength is the longest server seed accepted by configuration
	MaxSecretLength = 256

	// SecretAlphabet is the character set used for server seeds
	SecretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// DefaultClientSeedBytes is the entropy of an engine-generated client seed
	DefaultClientSeedBytes = 16

	// DigestSeparator joins client seed and nonce inside the combined digest message
	DigestSeparator = ":"
)

const (
	// DefaultResolveLockTimeout bounds how long Resolve waits for the per-game lock
	DefaultResolveLockTimeout = 10 * time.Second

	// DefaultStoreBudget is the store time a started commit or resolve gets on
	// top of the random-source deadline
	DefaultStoreBudget = 10 * time.Second

	// DefaultLockExpiration is the default expiration time for distributed resolve locks
	DefaultLockExpiration = 30 * time.Second

	// DefaultRetryAttempts is the default number of retry attempts against the random service
	DefaultRetryAttempts = 2

	// DefaultRetryInterval is the base interval between retry attempts
	DefaultRetryInterval = 200 * time.Millisecond

	// MaxRetryAttempts is the maximum number of retry attempts allowed
	MaxRetryAttempts = 10

	// MaxRetryDelay caps the exponential backoff delay
	MaxRetryDelay = 5 * time.Second

	// LockKeyPrefix is the prefix for Redis lock keys
	LockKeyPrefix = "fairdraw:lock:"
)

const (
	// DefaultRandomServiceEndpoint is the RANDOM.ORG JSON-RPC endpoint
	DefaultRandomServiceEndpoint = "https://api.random.org/json-rpc/4/invoke"

	// DefaultMinRequestInterval is the service's advisory pause between requests
	DefaultMinRequestInterval = 1 * time.Second

	// DefaultRequestTimeout bounds a single HTTP round trip to the random service
	DefaultRequestTimeout = 10 * time.Second

	// DefaultQueueTimeout bounds how long a caller waits in the queue before falling back locally
	DefaultQueueTimeout = 15 * time.Second

	// DefaultQueueCapacity is the number of pending random-service requests the queue accepts
	DefaultQueueCapacity = 256

	// DefaultCompletionSkew is the tolerated clock skew when attesting the service completion time
	DefaultCompletionSkew = 5 * time.Minute

	// MinRequestInterval is the smallest pacing interval accepted by configuration
	MinRequestInterval = 0 * time.Millisecond

	// MaxRequestInterval is the largest pacing interval accepted by configuration
	MaxRequestInterval = 1 * time.Minute

	// ServiceMinInteger and ServiceMaxInteger bound integers the random service can generate
	ServiceMinInteger = -1000000000
	ServiceMaxInteger = 1000000000

	// ServiceMaxCount bounds the number of values per request
	ServiceMaxCount = 10000

	// ServiceMaxStringLength bounds the length of a single generated string;
	// longer secrets are assembled from several strings of one request
	ServiceMaxStringLength = 32

	// ServiceCompletionTimeLayout is the completion time format used by the random service
	ServiceCompletionTimeLayout = "2006-01-02 15:04:05Z"
)

const (
	// DefaultCircuitBreakerName is the default name for the random service circuit breaker
	DefaultCircuitBreakerName = "random-service"

	// DefaultCircuitBreakerMaxRequests is the default max requests in half-open state
	DefaultCircuitBreakerMaxRequests = 1

	// DefaultCircuitBreakerInterval is the default counting interval
	DefaultCircuitBreakerInterval = 60 * time.Second

	// DefaultCircuitBreakerTimeout is the default open-state duration
	DefaultCircuitBreakerTimeout = 30 * time.Second

	// DefaultCircuitBreakerFailureRatio is the default failure ratio
	DefaultCircuitBreakerFailureRatio = 0.6

	// DefaultCircuitBreakerMinRequests is the default min requests
	DefaultCircuitBreakerMinRequests = 3

	// DefaultCircuitBreakerOnStateChange is the default on state change
	DefaultCircuitBreakerOnStateChange = true
)

const (
	// SessionKeyPrefix holds the JSON session document
	SessionKeyPrefix = "fairdraw:session:"

	// StatusKeyPrefix holds the session status used by the resolve CAS
	StatusKeyPrefix = "fairdraw:status:"

	// SecretKeyPrefix holds the write-once server seed slot
	SecretKeyPrefix = "fairdraw:secret:"

	// NonceKeyPrefix holds the per client seed nonce counter
	NonceKeyPrefix = "fairdraw:nonce:"

	// RecordKeyPrefix holds the immutable game record
	RecordKeyPrefix = "fairdraw:record:"
)

const (
	DefaultRedisAddr         = "localhost:6379"
	DefaultRedisPassword     = ""
	DefaultRedisDB           = 0
	DefaultRedisPoolSize     = 50
	DefaultRedisMinIdleConns = 10
	DefaultRedisMaxRetries   = 3
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
	DefaultRedisPoolTimeout  = 4 * time.Second
)

const (
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"

	LedgerDriverStore  = "store"
	LedgerDriverSQLite = "sqlite"

	DefaultSQLitePath = "fairdraw.db"
	DefaultServerAddr = ":8080"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
)
