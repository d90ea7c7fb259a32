package fairdraw

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"
)

// BreakerService 带熔断器的随机服务
type BreakerService struct {
	service RandomService

	mu      sync.RWMutex
	breaker *gobreaker.CircuitBreaker
	logger  Logger
	config  *CircuitBreakerConfig
}

// NewBreakerService 创建带熔断器的随机服务; 未启用时直接透传
func NewBreakerService(service RandomService, config *CircuitBreakerConfig, logger Logger) *BreakerService {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	b := &BreakerService{service: service, logger: logger, config: config}
	if config.Enabled {
		b.breaker = gobreaker.NewCircuitBreaker(b.settings())
	}
	return b
}

func (b *BreakerService) settings() gobreaker.Settings {
	config := b.config
	return gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 当请求数达到最小要求且失败率超过阈值时触发熔断
			return counts.Requests >= config.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// 参数越界是调用方问题, 不计入服务失败
			return err == nil || errors.Is(err, ErrServiceOutOfBounds)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if config.OnStateChange {
				b.logger.Info("Circuit breaker '%s' state changed from %s to %s", name, from, to)
			}
		},
	}
}

// executeWithBreaker 使用熔断器执行操作
func (b *BreakerService) executeWithBreaker(operation func() (any, error)) (any, error) {
	b.mu.RLock()
	breaker := b.breaker
	b.mu.RUnlock()

	if breaker == nil {
		return operation()
	}

	result, err := breaker.Execute(operation)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, ErrCircuitBreakerOpen.WithDetails("circuit breaker is open, requests are being rejected")
		}
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitBreakerOpen.WithDetails("too many requests, circuit breaker is half-open")
		}
	}

	return result, err
}

// GenerateIntegers 通过熔断器请求整数
func (b *BreakerService) GenerateIntegers(ctx context.Context, min, max int64, count int) (*ServiceIntegers, error) {
	result, err := b.executeWithBreaker(func() (any, error) {
		return b.service.GenerateIntegers(ctx, min, max, count)
	})
	if err != nil {
		return nil, err
	}

	return result.(*ServiceIntegers), nil
}

// GenerateStrings 通过熔断器请求字符串
func (b *BreakerService) GenerateStrings(ctx context.Context, count, length int, alphabet string) (*ServiceStrings, error) {
	result, err := b.executeWithBreaker(func() (any, error) {
		return b.service.GenerateStrings(ctx, count, length, alphabet)
	})
	if err != nil {
		return nil, err
	}

	return result.(*ServiceStrings), nil
}

// Usage 查询配额不经过熔断器
func (b *BreakerService) Usage(ctx context.Context) (*ServiceUsage, error) {
	return b.service.Usage(ctx)
}

// GetCircuitBreakerState returns closed, half-open, open or disabled
func (b *BreakerService) GetCircuitBreakerState() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.breaker == nil {
		return "disabled"
	}
	return b.breaker.State().String()
}

// GetCircuitBreakerCounts returns the counts of the current breaker generation
func (b *BreakerService) GetCircuitBreakerCounts() gobreaker.Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.breaker == nil {
		return gobreaker.Counts{}
	}
	return b.breaker.Counts()
}

// ResetCircuitBreaker 重置熔断器 (gobreaker 没有 Reset 方法, 重新创建实例)
func (b *BreakerService) ResetCircuitBreaker() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.breaker == nil {
		return
	}
	b.breaker = gobreaker.NewCircuitBreaker(b.settings())
	b.logger.Info("Circuit breaker '%s' has been reset (recreated)", b.config.Name)
}

// HealthCheck reports the breaker state. The external path is unhealthy
// while the breaker rejects calls, which means every draw falls back locally.
func (b *BreakerService) HealthCheck() map[string]any {
	state := b.GetCircuitBreakerState()
	report := map[string]any{
		"state":   state,
		"healthy": state != gobreaker.StateOpen.String(),
	}
	if state == "disabled" {
		return report
	}

	counts := b.GetCircuitBreakerCounts()
	report["service_calls"] = counts.Requests
	report["service_failures"] = counts.TotalFailures
	report["consecutive_failures"] = counts.ConsecutiveFailures
	report["trip_ratio"] = b.config.FailureRatio
	return report
}
