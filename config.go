package fairdraw

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// Config 生产环境配置结构
type Config struct {
	Engine         *EngineConfig         `mapstructure:"engine"`
	RandomService  *RandomServiceConfig  `mapstructure:"random_service"`
	CircuitBreaker *CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Redis          *RedisConfig          `mapstructure:"redis"`
	Storage        *StorageConfig        `mapstructure:"storage"`
	Server         *ServerConfig         `mapstructure:"server"`
	Log            *LogConfig            `mapstructure:"log"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Engine == nil || c.RandomService == nil || c.CircuitBreaker == nil ||
		c.Redis == nil || c.Storage == nil || c.Server == nil || c.Log == nil {
		return ErrConfigInvalid.WithDetails("missing config section")
	}

	// 引擎配置
	if err := ValidateSecretLength(c.Engine.SecretLength); err != nil {
		return err
	}
	if c.Engine.ResolveLockTimeout <= 0 {
		return ErrConfigInvalid.WithDetails("engine.resolve_lock_timeout must be positive")
	}
	if c.Engine.LockExpiration <= 0 {
		return ErrConfigInvalid.WithDetails("engine.lock_expiration must be positive")
	}
	if c.Engine.CompletionSkew < 0 {
		return ErrConfigInvalid.WithDetails("engine.completion_skew cannot be negative")
	}

	// 随机服务配置
	rs := c.RandomService
	if rs.Enabled && rs.Endpoint == "" {
		return ErrConfigInvalid.WithDetails("random_service.endpoint is required when enabled")
	}
	if rs.Enabled && rs.APIKey == "" {
		return ErrConfigInvalid.WithDetails("random_service.api_key is required when enabled")
	}
	if rs.MinInterval < MinRequestInterval || rs.MinInterval > MaxRequestInterval {
		return ErrInvalidInterval
	}
	if rs.RequestTimeout <= 0 {
		return ErrConfigInvalid.WithDetails("random_service.request_timeout must be positive")
	}
	if rs.QueueCapacity <= 0 || rs.QueueTimeout <= 0 {
		return ErrInvalidQueue
	}
	if rs.RetryAttempts < 0 || rs.RetryAttempts > MaxRetryAttempts {
		return ErrInvalidRetryAttempts
	}
	if rs.RetryInterval < 0 {
		return ErrInvalidRetryInterval
	}

	// 熔断器配置
	if c.CircuitBreaker.FailureRatio < 0 || c.CircuitBreaker.FailureRatio > 1 {
		return ErrConfigInvalid.WithDetails("circuit_breaker.failure_ratio must be within [0, 1]")
	}

	// 存储配置
	switch c.Storage.Driver {
	case StorageDriverMemory, StorageDriverRedis:
	default:
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Storage.Ledger {
	case LedgerDriverStore:
	case LedgerDriverSQLite:
		if c.Storage.SQLitePath == "" {
			return ErrConfigInvalid.WithDetails("storage.sqlite_path is required for the sqlite ledger")
		}
	default:
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown storage.ledger %q", c.Storage.Ledger))
	}

	// Redis 配置
	if c.Storage.Driver == StorageDriverRedis {
		if c.Redis.Addr == "" {
			return ErrConfigInvalid.WithDetails("redis address is required")
		}
		if c.Redis.PoolSize <= 0 {
			return ErrConfigInvalid.WithDetails("redis pool size must be positive")
		}
	}

	// 日志配置
	switch c.Log.Format {
	case "json", "console":
	default:
		return ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	return nil
}

// EngineConfig 引擎配置
type EngineConfig struct {
	SecretLength       int           `mapstructure:"secret_length"`
	ResolveLockTimeout time.Duration `mapstructure:"resolve_lock_timeout"`
	LockExpiration     time.Duration `mapstructure:"lock_expiration"`
	CompletionSkew     time.Duration `mapstructure:"completion_skew"`
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		SecretLength:       DefaultSecretLength,
		ResolveLockTimeout: DefaultResolveLockTimeout,
		LockExpiration:     DefaultLockExpiration,
		CompletionSkew:     DefaultCompletionSkew,
	}
}

// RandomServiceConfig 外部随机服务配置
type RandomServiceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// DefaultRandomServiceConfig 返回默认随机服务配置 (未配置 API key 时禁用)
func DefaultRandomServiceConfig() *RandomServiceConfig {
	return &RandomServiceConfig{
		Enabled:        false,
		Endpoint:       DefaultRandomServiceEndpoint,
		MinInterval:    DefaultMinRequestInterval,
		RequestTimeout: DefaultRequestTimeout,
		QueueTimeout:   DefaultQueueTimeout,
		QueueCapacity:  DefaultQueueCapacity,
		RetryAttempts:  DefaultRetryAttempts,
		RetryInterval:  DefaultRetryInterval,
	}
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接配置
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 连接池配置
	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
	MaxRetries   int `mapstructure:"max_retries"`

	// 超时配置
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultRedisConfig 返回默认的Redis配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         DefaultRedisAddr,
		Password:     DefaultRedisPassword,
		DB:           DefaultRedisDB,
		PoolSize:     DefaultRedisPoolSize,
		MinIdleConns: DefaultRedisMinIdleConns,
		MaxRetries:   DefaultRedisMaxRetries,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
		PoolTimeout:  DefaultRedisPoolTimeout,
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Name          string        `mapstructure:"name"`
	MaxRequests   uint32        `mapstructure:"max_requests"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FailureRatio  float64       `mapstructure:"failure_ratio"`
	MinRequests   uint32        `mapstructure:"min_requests"`
	OnStateChange bool          `mapstructure:"on_state_change"`
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:       true,
		Name:          DefaultCircuitBreakerName,
		MaxRequests:   DefaultCircuitBreakerMaxRequests,
		Interval:      DefaultCircuitBreakerInterval,
		Timeout:       DefaultCircuitBreakerTimeout,
		FailureRatio:  DefaultCircuitBreakerFailureRatio,
		MinRequests:   DefaultCircuitBreakerMinRequests,
		OnStateChange: DefaultCircuitBreakerOnStateChange,
	}
}

// StorageConfig 存储配置
type StorageConfig struct {
	// Driver 会话存储: memory | redis
	Driver string `mapstructure:"driver"`
	// Ledger 记录存储: store (与会话存储相同) | sqlite
	Ledger     string `mapstructure:"ledger"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Driver:     StorageDriverMemory,
		Ledger:     LedgerDriverStore,
		SQLitePath: DefaultSQLitePath,
	}
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultServerConfig 返回默认 HTTP 服务配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         DefaultServerAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat}
}

// DefaultConfig 返回完整的默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:         DefaultEngineConfig(),
		RandomService:  DefaultRandomServiceConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Redis:          DefaultRedisConfig(),
		Storage:        DefaultStorageConfig(),
		Server:         DefaultServerConfig(),
		Log:            DefaultLogConfig(),
	}
}

// ConfigManager 配置管理器
type ConfigManager struct {
	viper  *viper.Viper
	mu     sync.RWMutex
	config *Config
	logger Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager() *ConfigManager {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fairdraw")
	v.AddConfigPath("$HOME/.fairdraw")

	// 设置环境变量前缀
	v.SetEnvPrefix("FAIRDRAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cm := &ConfigManager{viper: v, logger: NewSilentLogger()}
	cm.setDefaults()
	cm.config = DefaultConfig()
	return cm
}

// NewConfigManagerWithFile 创建使用指定配置文件的配置管理器
func NewConfigManagerWithFile(path string) *ConfigManager {
	cm := NewConfigManager()
	cm.viper.SetConfigFile(path)
	return cm
}

// SetLogger 设置日志记录器
func (cm *ConfigManager) SetLogger(logger Logger) {
	if logger != nil {
		cm.logger = logger
	}
}

// LoadConfig 加载配置
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	// 读取配置文件
	if err := cm.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// 配置文件不存在时使用默认配置
	}

	config, err := cm.decode()
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()

	return config, nil
}

// decode 解析并验证配置
func (cm *ConfigManager) decode() (*Config, error) {
	config := &Config{}
	if err := cm.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults 设置默认配置值
func (cm *ConfigManager) setDefaults() {
	v := cm.viper

	// 引擎默认配置
	v.SetDefault("engine.secret_length", DefaultSecretLength)
	v.SetDefault("engine.resolve_lock_timeout", DefaultResolveLockTimeout)
	v.SetDefault("engine.lock_expiration", DefaultLockExpiration)
	v.SetDefault("engine.completion_skew", DefaultCompletionSkew)

	// 随机服务默认配置
	v.SetDefault("random_service.enabled", false)
	v.SetDefault("random_service.endpoint", DefaultRandomServiceEndpoint)
	v.SetDefault("random_service.api_key", "")
	v.SetDefault("random_service.min_interval", DefaultMinRequestInterval)
	v.SetDefault("random_service.request_timeout", DefaultRequestTimeout)
	v.SetDefault("random_service.queue_timeout", DefaultQueueTimeout)
	v.SetDefault("random_service.queue_capacity", DefaultQueueCapacity)
	v.SetDefault("random_service.retry_attempts", DefaultRetryAttempts)
	v.SetDefault("random_service.retry_interval", DefaultRetryInterval)

	// 熔断器默认配置
	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.name", DefaultCircuitBreakerName)
	v.SetDefault("circuit_breaker.max_requests", DefaultCircuitBreakerMaxRequests)
	v.SetDefault("circuit_breaker.interval", DefaultCircuitBreakerInterval)
	v.SetDefault("circuit_breaker.timeout", DefaultCircuitBreakerTimeout)
	v.SetDefault("circuit_breaker.failure_ratio", DefaultCircuitBreakerFailureRatio)
	v.SetDefault("circuit_breaker.min_requests", DefaultCircuitBreakerMinRequests)
	v.SetDefault("circuit_breaker.on_state_change", DefaultCircuitBreakerOnStateChange)

	// Redis 默认配置
	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.password", DefaultRedisPassword)
	v.SetDefault("redis.db", DefaultRedisDB)
	v.SetDefault("redis.pool_size", DefaultRedisPoolSize)
	v.SetDefault("redis.min_idle_conns", DefaultRedisMinIdleConns)
	v.SetDefault("redis.max_retries", DefaultRedisMaxRetries)
	v.SetDefault("redis.dial_timeout", DefaultRedisDialTimeout)
	v.SetDefault("redis.read_timeout", DefaultRedisReadTimeout)
	v.SetDefault("redis.write_timeout", DefaultRedisWriteTimeout)
	v.SetDefault("redis.pool_timeout", DefaultRedisPoolTimeout)

	// 存储默认配置
	v.SetDefault("storage.driver", StorageDriverMemory)
	v.SetDefault("storage.ledger", LedgerDriverStore)
	v.SetDefault("storage.sqlite_path", DefaultSQLitePath)

	// HTTP 服务默认配置
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")

	// 日志默认配置
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}

// WatchConfig 监听配置变化; 无效的新配置会被忽略, 保留当前配置
func (cm *ConfigManager) WatchConfig(callback func(*Config)) {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		cm.logger.Info("Config file changed: %s (%s)", e.Name, e.Op)

		config, err := cm.decode()
		if err != nil {
			cm.logger.Error("Ignoring invalid config reload: %v", err)
			return
		}

		cm.mu.Lock()
		cm.config = config
		cm.mu.Unlock()

		if callback != nil {
			callback(config)
		}
	})
	cm.viper.WatchConfig()
}

// GetConfig 获取当前配置
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ReloadConfig 重新加载配置
func (cm *ConfigManager) ReloadConfig() (*Config, error) { return cm.LoadConfig() }

// NewRedisClientFromConfig 从配置创建Redis客户端
func NewRedisClientFromConfig(config *RedisConfig) *redis.Client {
	if config == nil {
		config = DefaultRedisConfig()
	}

	return redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.PoolTimeout,
	})
}
