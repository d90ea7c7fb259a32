package fairdraw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RandomSource supplies true random values from the external service and
// falls back to crypto/rand whenever the service cannot deliver. Service
// failures never reach the caller; they are recorded in the provenance.
type RandomSource struct {
	service  *BreakerService
	queue    *RequestQueue
	fallback *SecureRandomGenerator
	retry    *RetryPolicy
	deadline time.Duration
	monitor  *DrawMonitor
	logger   Logger
}

// NewRandomSource creates a source backed by service. A nil service yields
// a local-only source whose values are all marked degraded.
func NewRandomSource(
	service RandomService, config *RandomServiceConfig, cbConfig *CircuitBreakerConfig,
	logger Logger, monitor *DrawMonitor,
) (*RandomSource, error) {
	if config == nil {
		config = DefaultRandomServiceConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}
	if config.RetryAttempts < 0 || config.RetryAttempts > MaxRetryAttempts {
		return nil, ErrInvalidRetryAttempts
	}
	if config.RetryInterval < 0 {
		return nil, ErrInvalidRetryInterval
	}

	s := &RandomSource{
		fallback: NewSecureRandomGenerator(),
		retry:    NewRetryPolicy(config.RetryAttempts, config.RetryInterval),
		deadline: config.QueueTimeout,
		monitor:  monitor,
		logger:   logger,
	}

	if service == nil {
		logger.Info("Random service not configured, using local entropy only")
		return s, nil
	}

	queue, err := NewRequestQueue(config.MinInterval, config.QueueTimeout, config.QueueCapacity, logger)
	if err != nil {
		return nil, err
	}

	s.service = NewBreakerService(service, cbConfig, logger)
	s.queue = queue
	return s, nil
}

// NewLocalRandomSource creates a source that only uses local entropy
func NewLocalRandomSource(logger Logger, monitor *DrawMonitor) *RandomSource {
	s, _ := NewRandomSource(nil, nil, nil, logger, monitor)
	return s
}

// OperationTimeout bounds a commit or resolve once it has started: the
// source deadline plus DefaultStoreBudget for the store round trips
func (s *RandomSource) OperationTimeout() time.Duration {
	return s.deadline + DefaultStoreBudget
}

// External reports whether an external service is configured
func (s *RandomSource) External() bool { return s.service != nil }

// Acquire returns count integers in [min, max]. Only ValidationErrors and a
// failing local entropy source are returned as errors.
func (s *RandomSource) Acquire(ctx context.Context, min, max int64, count int) (*Draw, error) {
	s.logger.Debug("Acquire called with min=%d, max=%d, count=%d", min, max, count)

	if err := ValidateRange(min, max); err != nil {
		return nil, err
	}
	if err := ValidateCount(count); err != nil {
		return nil, err
	}

	requestedAt := time.Now().UTC()

	if s.service == nil {
		return s.localDraw(min, max, count, requestedAt, ErrServiceDisabled)
	}
	if min < ServiceMinInteger || max > ServiceMaxInteger || count > ServiceMaxCount {
		return s.localDraw(min, max, count, requestedAt, ErrServiceOutOfBounds)
	}

	var result *ServiceIntegers
	err := s.external(ctx, "generateIntegers", func(jobCtx context.Context) (time.Duration, error) {
		r, err := s.service.GenerateIntegers(jobCtx, min, max, count)
		if err != nil {
			return 0, err
		}
		result = r
		return r.AdvisoryDelay, nil
	})
	if err != nil {
		return s.localDraw(min, max, count, requestedAt, err)
	}

	s.logger.Debug("Random service delivered %d integers, bits_left=%d, requests_left=%d",
		len(result.Values), result.BitsLeft, result.RequestsLeft)

	draw := &Draw{
		Values: result.Values,
		Provenance: Provenance{
			Source:      SourceExternal,
			RequestedAt: requestedAt,
			CompletedAt: result.CompletionTime,
		},
	}
	s.monitor.RecordSource(draw.Provenance)
	return draw, nil
}

// GenerateSecret returns a secret of length characters over SecretAlphabet
func (s *RandomSource) GenerateSecret(ctx context.Context, length int) (string, Provenance, error) {
	s.logger.Debug("GenerateSecret called with length=%d", length)

	if err := ValidateSecretLength(length); err != nil {
		return "", Provenance{}, err
	}

	requestedAt := time.Now().UTC()

	if s.service == nil {
		return s.localSecret(length, requestedAt, ErrServiceDisabled)
	}

	// the service caps string length, so the secret is assembled from several strings of one request
	parts := (length + ServiceMaxStringLength - 1) / ServiceMaxStringLength

	var result *ServiceStrings
	err := s.external(ctx, "generateStrings", func(jobCtx context.Context) (time.Duration, error) {
		r, err := s.service.GenerateStrings(jobCtx, parts, ServiceMaxStringLength, SecretAlphabet)
		if err != nil {
			return 0, err
		}
		result = r
		return r.AdvisoryDelay, nil
	})
	if err != nil {
		return s.localSecret(length, requestedAt, err)
	}

	secret, err := assembleSecret(result.Values, length)
	if err != nil {
		s.monitor.RecordServiceError(err)
		s.logger.Error("Random service generateStrings returned an unusable secret, falling back to local entropy: %v", err)
		return s.localSecret(length, requestedAt, err)
	}
	provenance := Provenance{
		Source:      SourceExternal,
		RequestedAt: requestedAt,
		CompletedAt: result.CompletionTime,
	}
	s.monitor.RecordSource(provenance)
	return secret, provenance, nil
}

// Usage returns the quota of the external service
func (s *RandomSource) Usage(ctx context.Context) (*ServiceUsage, error) {
	if s.service == nil {
		return nil, ErrServiceDisabled
	}
	return s.service.Usage(ctx)
}

// QueueDepth returns the number of requests waiting for the service
func (s *RandomSource) QueueDepth() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

// SetMinInterval updates the pacing of the request queue
func (s *RandomSource) SetMinInterval(d time.Duration) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.SetMinInterval(d)
}

// Health reports the state of the external path
func (s *RandomSource) Health() map[string]any {
	if s.service == nil {
		return map[string]any{"external": false, "healthy": true}
	}

	health := s.service.HealthCheck()
	health["external"] = true
	health["queue_depth"] = s.queue.Len()
	return health
}

// Close stops the request queue
func (s *RandomSource) Close() {
	if s.queue != nil {
		s.queue.Close()
	}
}

// external runs fn through the queue with bounded retry. The whole attempt,
// retries included, is bounded by the queue timeout.
func (s *RandomSource) external(ctx context.Context, operation string, fn QueueFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	err := s.retry.Execute(ctx, s.logger, operation, func() error {
		queuedAt := time.Now()
		return s.queue.Submit(ctx, func(jobCtx context.Context) (time.Duration, error) {
			s.monitor.RecordQueueWait(time.Since(queuedAt))
			return fn(jobCtx)
		})
	})
	if err != nil {
		s.monitor.RecordServiceError(err)
		s.logger.Error("Random service %s failed, falling back to local entropy: %v", operation, err)
	}
	return err
}

func (s *RandomSource) localDraw(min, max int64, count int, requestedAt time.Time, cause error) (*Draw, error) {
	values, err := s.fallback.GenerateMultipleInRange(min, max, count)
	if err != nil {
		s.logger.Error("Local entropy failed: %v", err)
		return nil, err
	}

	draw := &Draw{Values: values, Provenance: degradedProvenance(requestedAt, cause)}
	s.monitor.RecordSource(draw.Provenance)
	return draw, nil
}

func (s *RandomSource) localSecret(length int, requestedAt time.Time, cause error) (string, Provenance, error) {
	secret, err := s.fallback.GenerateString(length, SecretAlphabet)
	if err != nil {
		s.logger.Error("Local entropy failed: %v", err)
		return "", Provenance{}, err
	}

	provenance := degradedProvenance(requestedAt, cause)
	s.monitor.RecordSource(provenance)
	return secret, provenance, nil
}

// assembleSecret joins service strings into a secret of length characters over SecretAlphabet
func assembleSecret(values []string, length int) (string, error) {
	runes := []rune(strings.Join(values, ""))
	if len(runes) < length {
		return "", ErrMalformedResponse.WithDetails(fmt.Sprintf("secret of %d characters, want %d", len(runes), length))
	}
	for _, r := range runes[:length] {
		if !strings.ContainsRune(SecretAlphabet, r) {
			return "", ErrMalformedResponse.WithDetails(fmt.Sprintf("character %q outside alphabet", r))
		}
	}
	return string(runes[:length]), nil
}

func degradedProvenance(requestedAt time.Time, cause error) Provenance {
	return Provenance{
		Source:      SourceLocal,
		Degraded:    true,
		RequestedAt: requestedAt,
		Reason:      degradationReason(cause),
	}
}

// degradationReason keeps the code and message of cause without nested details
func degradationReason(cause error) string {
	if cause == nil {
		return ""
	}
	var de *DrawError
	if errors.As(cause, &de) {
		return string(de.Code) + " " + de.Message
	}
	return cause.Error()
}
