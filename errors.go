package fairdraw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 系统级错误 (1000-1999)
	ErrCodeSystem          ErrorCode = "FAIRDRAW_1000"
	ErrCodeStorage         ErrorCode = "FAIRDRAW_1001"
	ErrCodeConfigInvalid   ErrorCode = "FAIRDRAW_1002"
	ErrCodeEntropyFailure  ErrorCode = "FAIRDRAW_1003"
	ErrCodeLockAcquisition ErrorCode = "FAIRDRAW_1004"

	// 参数校验错误 (2000-2999)
	ErrCodeInvalidParameters    ErrorCode = "FAIRDRAW_2000"
	ErrCodeInvalidRange         ErrorCode = "FAIRDRAW_2001"
	ErrCodeInvalidCount         ErrorCode = "FAIRDRAW_2002"
	ErrCodeEmptyPrizeList       ErrorCode = "FAIRDRAW_2003"
	ErrCodeNegativeWeight       ErrorCode = "FAIRDRAW_2004"
	ErrCodeInvalidSecretLength  ErrorCode = "FAIRDRAW_2005"
	ErrCodeInvalidClientSeed    ErrorCode = "FAIRDRAW_2006"
	ErrCodeInvalidRetryAttempts ErrorCode = "FAIRDRAW_2007"
	ErrCodeInvalidRetryInterval ErrorCode = "FAIRDRAW_2008"
	ErrCodeInvalidInterval      ErrorCode = "FAIRDRAW_2009"
	ErrCodeInvalidQueue         ErrorCode = "FAIRDRAW_2010"

	// 会话状态错误 (3000-3999)
	ErrCodeSessionNotFound        ErrorCode = "FAIRDRAW_3000"
	ErrCodeSessionAlreadyResolved ErrorCode = "FAIRDRAW_3001"
	ErrCodeSessionNotResolved     ErrorCode = "FAIRDRAW_3002"
	ErrCodeDuplicateSession       ErrorCode = "FAIRDRAW_3003"
	ErrCodeRecordExists           ErrorCode = "FAIRDRAW_3004"
	ErrCodeRecordNotFound         ErrorCode = "FAIRDRAW_3005"

	// 外部随机服务错误 (4000-4999)，只记录在来源信息中，不返回给调用方
	ErrCodeServiceDegraded     ErrorCode = "FAIRDRAW_4000"
	ErrCodeServiceUnavailable  ErrorCode = "FAIRDRAW_4001"
	ErrCodeQuotaExhausted      ErrorCode = "FAIRDRAW_4002"
	ErrCodeMalformedResponse   ErrorCode = "FAIRDRAW_4003"
	ErrCodeQueueFull           ErrorCode = "FAIRDRAW_4004"
	ErrCodeQueueTimeout        ErrorCode = "FAIRDRAW_4005"
	ErrCodeQueueClosed         ErrorCode = "FAIRDRAW_4006"
	ErrCodeCircuitBreakerOpen  ErrorCode = "FAIRDRAW_4007"
	ErrCodeServiceDisabled     ErrorCode = "FAIRDRAW_4008"
	ErrCodeServiceOutOfBounds  ErrorCode = "FAIRDRAW_4009"
	ErrCodeServiceRemoteFailed ErrorCode = "FAIRDRAW_4010"

	// 校验结果 (5000-5999)
	ErrCodeIntegrityFailure ErrorCode = "FAIRDRAW_5000"
)

// ErrorKind groups error codes into the categories callers branch on
type ErrorKind string

const (
	KindSystem     ErrorKind = "system"
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindDegraded   ErrorKind = "degraded"
	KindIntegrity  ErrorKind = "integrity"
)

// ErrorSeverity 错误严重程度
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
	SeverityInfo     ErrorSeverity = "info"
)

// DrawError 带错误码的错误类型
type DrawError struct {
	Code       ErrorCode      `json:"code"`
	Kind       ErrorKind      `json:"kind"`
	Message    string         `json:"message"`
	Details    string         `json:"details,omitempty"`
	Severity   ErrorSeverity  `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	GameID     string         `json:"game_id,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Error 实现 error 接口
func (e *DrawError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap 接口
func (e *DrawError) Unwrap() error { return e.Cause }

// Is matches any *DrawError carrying the same code, so sentinels survive the With* builders
func (e *DrawError) Is(target error) bool {
	if t, ok := target.(*DrawError); ok {
		return e.Code == t.Code
	}
	return false
}

// clone returns a shallow copy; the predefined sentinels are never mutated
func (e *DrawError) clone() *DrawError {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Timestamp = time.Now()
	return &c
}

// WithCause 添加原因错误
func (e *DrawError) WithCause(cause error) *DrawError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithDetails 添加详细信息
func (e *DrawError) WithDetails(details string) *DrawError {
	c := e.clone()
	c.Details = details
	return c
}

// WithGameID 添加游戏ID
func (e *DrawError) WithGameID(gameID string) *DrawError {
	c := e.clone()
	c.GameID = gameID
	return c
}

// WithOperation 添加操作信息
func (e *DrawError) WithOperation(operation string) *DrawError {
	c := e.clone()
	c.Operation = operation
	return c
}

// WithMetadata 添加元数据
func (e *DrawError) WithMetadata(key string, value any) *DrawError {
	c := e.clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// WithStackTrace 添加堆栈跟踪
func (e *DrawError) WithStackTrace() *DrawError {
	c := e.clone()
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	c.StackTrace = string(buf[:n])
	return c
}

// NewError 创建新的错误
func NewError(code ErrorCode, kind ErrorKind, message string) *DrawError {
	return &DrawError{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
	}
}

// NewRetryableError 创建可重试的错误
func NewRetryableError(code ErrorCode, kind ErrorKind, message string) *DrawError {
	err := NewError(code, kind, message)
	err.Retryable = true
	return err
}

// NewCriticalError 创建严重错误
func NewCriticalError(code ErrorCode, kind ErrorKind, message string) *DrawError {
	err := NewError(code, kind, message)
	err.Severity = SeverityCritical
	return err
}

// 预定义的错误实例
var (
	// 系统级错误
	ErrSystemError           = NewCriticalError(ErrCodeSystem, KindSystem, "system error occurred")
	ErrStorageFailure        = NewRetryableError(ErrCodeStorage, KindSystem, "storage operation failed")
	ErrConfigInvalid         = NewCriticalError(ErrCodeConfigInvalid, KindSystem, "configuration is invalid")
	ErrEntropyFailure        = NewCriticalError(ErrCodeEntropyFailure, KindSystem, "local entropy source failed")
	ErrLockAcquisitionFailed = NewRetryableError(ErrCodeLockAcquisition, KindSystem, "failed to acquire resolve lock")

	// 参数校验错误
	ErrInvalidParameters    = NewError(ErrCodeInvalidParameters, KindValidation, "invalid parameters provided")
	ErrInvalidRange         = NewError(ErrCodeInvalidRange, KindValidation, "invalid range: min must be less than or equal to max")
	ErrInvalidCount         = NewError(ErrCodeInvalidCount, KindValidation, "invalid count: must be greater than 0")
	ErrEmptyPrizeList       = NewError(ErrCodeEmptyPrizeList, KindValidation, "prize list cannot be empty")
	ErrNegativeWeight       = NewError(ErrCodeNegativeWeight, KindValidation, "invalid prize weight: cannot be negative")
	ErrInvalidSecretLength  = NewError(ErrCodeInvalidSecretLength, KindValidation, "invalid secret length")
	ErrInvalidClientSeed    = NewError(ErrCodeInvalidClientSeed, KindValidation, "invalid client seed")
	ErrInvalidRetryAttempts = NewError(ErrCodeInvalidRetryAttempts, KindValidation, "invalid retry attempts: must be between 0 and 10")
	ErrInvalidRetryInterval = NewError(ErrCodeInvalidRetryInterval, KindValidation, "invalid retry interval: cannot be negative")
	ErrInvalidInterval      = NewError(ErrCodeInvalidInterval, KindValidation, "invalid request interval: must be between 0 and 1m")
	ErrInvalidQueue         = NewError(ErrCodeInvalidQueue, KindValidation, "invalid queue settings: capacity and timeout must be positive")

	// 会话状态错误
	ErrSessionNotFound        = NewError(ErrCodeSessionNotFound, KindState, "session not found")
	ErrSessionAlreadyResolved = NewError(ErrCodeSessionAlreadyResolved, KindState, "session already resolved")
	ErrSessionNotResolved     = NewError(ErrCodeSessionNotResolved, KindState, "session is not resolved yet")
	ErrDuplicateSession       = NewError(ErrCodeDuplicateSession, KindState, "session already exists")
	ErrRecordExists           = NewError(ErrCodeRecordExists, KindState, "game record already exists")
	ErrRecordNotFound         = NewError(ErrCodeRecordNotFound, KindState, "game record not found")

	// 外部随机服务错误
	ErrServiceDegraded     = NewError(ErrCodeServiceDegraded, KindDegraded, "random service degraded, local fallback used")
	ErrServiceUnavailable  = NewRetryableError(ErrCodeServiceUnavailable, KindDegraded, "random service temporarily unavailable")
	ErrQuotaExhausted      = NewError(ErrCodeQuotaExhausted, KindDegraded, "random service quota exhausted")
	ErrMalformedResponse   = NewError(ErrCodeMalformedResponse, KindDegraded, "random service returned a malformed response")
	ErrQueueFull           = NewError(ErrCodeQueueFull, KindDegraded, "random service queue is full")
	ErrQueueTimeout        = NewError(ErrCodeQueueTimeout, KindDegraded, "random service queue timed out")
	ErrQueueClosed         = NewError(ErrCodeQueueClosed, KindDegraded, "random service queue is closed")
	ErrCircuitBreakerOpen  = NewError(ErrCodeCircuitBreakerOpen, KindDegraded, "circuit breaker is open")
	ErrServiceDisabled     = NewError(ErrCodeServiceDisabled, KindDegraded, "random service is disabled")
	ErrServiceOutOfBounds  = NewError(ErrCodeServiceOutOfBounds, KindDegraded, "request exceeds random service limits")
	ErrServiceRemoteFailed = NewError(ErrCodeServiceRemoteFailed, KindDegraded, "random service rejected the request")

	// 校验结果
	ErrIntegrityFailure = NewError(ErrCodeIntegrityFailure, KindIntegrity, "verification mismatch")
)

// KindOf returns the kind of err, or KindSystem for foreign errors
func KindOf(err error) ErrorKind {
	var drawErr *DrawError
	if errors.As(err, &drawErr) {
		return drawErr.Kind
	}
	return KindSystem
}

// CodeOf returns the error code of err, or ErrCodeSystem for foreign errors
func CodeOf(err error) ErrorCode {
	var drawErr *DrawError
	if errors.As(err, &drawErr) {
		return drawErr.Code
	}
	return ErrCodeSystem
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsStateError reports whether err is a StateError
func IsStateError(err error) bool { return err != nil && KindOf(err) == KindState }

// IsDegradedError reports whether err describes an absorbed random service failure
func IsDegradedError(err error) bool { return err != nil && KindOf(err) == KindDegraded }

// IsRetryableError 检查是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var drawErr *DrawError
	if errors.As(err, &drawErr) {
		return drawErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"network is unreachable",
		"temporary failure",
		"server closed",
		"broken pipe",
		"i/o timeout",
		"dial tcp",
		"read tcp",
		"write tcp",
		"no route to host",
		"unexpected eof",
		"redis: connection pool timeout",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// RetryPolicy 有界重试策略 (指数退避 + 抖动)
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// NewRetryPolicy 创建重试策略
func NewRetryPolicy(maxRetries int, baseDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    maxRetries,
		BaseDelay:     baseDelay,
		MaxDelay:      MaxRetryDelay,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

// Delay 获取第 attempt 次重试前的等待时间 (attempt 从 1 开始)
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))

	// 添加抖动
	if p.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.Jitter * (2*rand.Float64() - 1))
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}

	return delay
}

// Execute runs operation until it succeeds, returns a non-retryable error,
// exhausts MaxRetries or ctx is done
func (p *RetryPolicy) Execute(ctx context.Context, logger Logger, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Debug("Retrying %s in %v (attempt %d/%d)", operation, delay, attempt, p.MaxRetries)

			select {
			case <-ctx.Done():
				return NewError(ErrCodeSystem, KindSystem, "operation cancelled during retry").
					WithOperation(operation).WithCause(errors.Join(ctx.Err(), lastErr))
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logger.Info("%s succeeded after %d retries", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			logger.Debug("%s failed with non-retryable error: %v", operation, err)
			return err
		}
	}

	return lastErr
}
