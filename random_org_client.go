package fairdraw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// JSON-RPC error codes the random service uses for exhausted allowances
const (
	rpcCodeBitsExhausted     = 402
	rpcCodeRequestsExhausted = 403
)

// ServiceIntegers is a batch of integers returned by the random service
type ServiceIntegers struct {
	Values         []int64
	CompletionTime time.Time
	AdvisoryDelay  time.Duration
	BitsLeft       int64
	RequestsLeft   int64
}

// ServiceStrings is a batch of strings returned by the random service
type ServiceStrings struct {
	Values         []string
	CompletionTime time.Time
	AdvisoryDelay  time.Duration
	BitsLeft       int64
	RequestsLeft   int64
}

// ServiceUsage is the quota state of the service account
type ServiceUsage struct {
	Status        string `json:"status"`
	BitsLeft      int64  `json:"bitsLeft"`
	RequestsLeft  int64  `json:"requestsLeft"`
	TotalBits     int64  `json:"totalBits"`
	TotalRequests int64  `json:"totalRequests"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int64           `json:"id"`
}

type generateResult[T any] struct {
	Random struct {
		Data           []T    `json:"data"`
		CompletionTime string `json:"completionTime"`
	} `json:"random"`
	BitsUsed      int64 `json:"bitsUsed"`
	BitsLeft      int64 `json:"bitsLeft"`
	RequestsLeft  int64 `json:"requestsLeft"`
	AdvisoryDelay int64 `json:"advisoryDelay"`
}

// RandomOrgClient implements RandomService against the RANDOM.ORG JSON-RPC 4 API
type RandomOrgClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     Logger
	nextID     atomic.Int64
}

// NewRandomOrgClient creates a client; requestTimeout bounds each HTTP round trip
func NewRandomOrgClient(endpoint, apiKey string, requestTimeout time.Duration) *RandomOrgClient {
	if endpoint == "" {
		endpoint = DefaultRandomServiceEndpoint
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &RandomOrgClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     NewSilentLogger(),
	}
}

// SetLogger sets the logger for the client
func (c *RandomOrgClient) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// GenerateIntegers requests count integers in [min, max] with replacement
func (c *RandomOrgClient) GenerateIntegers(ctx context.Context, min, max int64, count int) (*ServiceIntegers, error) {
	if min < ServiceMinInteger || max > ServiceMaxInteger || count > ServiceMaxCount {
		return nil, ErrServiceOutOfBounds.WithDetails(fmt.Sprintf("min=%d max=%d count=%d", min, max, count))
	}

	params := map[string]any{
		"apiKey":      c.apiKey,
		"n":           count,
		"min":         min,
		"max":         max,
		"replacement": true,
	}

	var result generateResult[int64]
	if err := c.call(ctx, "generateIntegers", params, &result); err != nil {
		return nil, err
	}

	if len(result.Random.Data) != count {
		return nil, ErrMalformedResponse.WithDetails(
			fmt.Sprintf("expected %d integers, got %d", count, len(result.Random.Data)))
	}
	for _, v := range result.Random.Data {
		if v < min || v > max {
			return nil, ErrMalformedResponse.WithDetails(fmt.Sprintf("integer %d outside [%d, %d]", v, min, max))
		}
	}

	completed, err := parseCompletionTime(result.Random.CompletionTime)
	if err != nil {
		return nil, err
	}

	return &ServiceIntegers{
		Values:         result.Random.Data,
		CompletionTime: completed,
		AdvisoryDelay:  time.Duration(result.AdvisoryDelay) * time.Millisecond,
		BitsLeft:       result.BitsLeft,
		RequestsLeft:   result.RequestsLeft,
	}, nil
}

// GenerateStrings requests count strings of length characters from alphabet
func (c *RandomOrgClient) GenerateStrings(ctx context.Context, count, length int, alphabet string) (*ServiceStrings, error) {
	if length <= 0 || length > ServiceMaxStringLength || count <= 0 || count > ServiceMaxCount {
		return nil, ErrServiceOutOfBounds.WithDetails(fmt.Sprintf("count=%d length=%d", count, length))
	}

	params := map[string]any{
		"apiKey":      c.apiKey,
		"n":           count,
		"length":      length,
		"characters":  alphabet,
		"replacement": true,
	}

	var result generateResult[string]
	if err := c.call(ctx, "generateStrings", params, &result); err != nil {
		return nil, err
	}

	if len(result.Random.Data) != count {
		return nil, ErrMalformedResponse.WithDetails(
			fmt.Sprintf("expected %d strings, got %d", count, len(result.Random.Data)))
	}
	for _, s := range result.Random.Data {
		if n := utf8.RuneCountInString(s); n != length {
			return nil, ErrMalformedResponse.WithDetails(fmt.Sprintf("string of length %d, want %d", n, length))
		}
		for _, r := range s {
			if !strings.ContainsRune(alphabet, r) {
				return nil, ErrMalformedResponse.WithDetails(fmt.Sprintf("character %q outside alphabet", r))
			}
		}
	}

	completed, err := parseCompletionTime(result.Random.CompletionTime)
	if err != nil {
		return nil, err
	}

	return &ServiceStrings{
		Values:         result.Random.Data,
		CompletionTime: completed,
		AdvisoryDelay:  time.Duration(result.AdvisoryDelay) * time.Millisecond,
		BitsLeft:       result.BitsLeft,
		RequestsLeft:   result.RequestsLeft,
	}, nil
}

// Usage returns the quota of the configured API key
func (c *RandomOrgClient) Usage(ctx context.Context) (*ServiceUsage, error) {
	var usage ServiceUsage
	if err := c.call(ctx, "getUsage", map[string]any{"apiKey": c.apiKey}, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// call performs one JSON-RPC round trip and decodes result into out
func (c *RandomOrgClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return ErrSystemError.WithOperation(method).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ErrSystemError.WithOperation(method).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Random service call method=%s id=%d", method, id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ErrServiceUnavailable.WithOperation(method).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ErrServiceUnavailable.WithOperation(method).WithCause(err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return ErrServiceUnavailable.WithOperation(method).WithDetails(fmt.Sprintf("http status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return ErrServiceRemoteFailed.WithOperation(method).WithDetails(fmt.Sprintf("http status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return ErrMalformedResponse.WithOperation(method).WithCause(err)
	}

	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case rpcCodeBitsExhausted, rpcCodeRequestsExhausted:
			return ErrQuotaExhausted.WithOperation(method).WithDetails(rpcResp.Error.Message).
				WithMetadata("rpc_code", rpcResp.Error.Code)
		default:
			return ErrServiceRemoteFailed.WithOperation(method).WithDetails(rpcResp.Error.Message).
				WithMetadata("rpc_code", rpcResp.Error.Code)
		}
	}

	if rpcResp.ID != id {
		return ErrMalformedResponse.WithOperation(method).WithDetails(fmt.Sprintf("response id %d, want %d", rpcResp.ID, id))
	}
	if len(rpcResp.Result) == 0 {
		return ErrMalformedResponse.WithOperation(method).WithDetails("missing result")
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return ErrMalformedResponse.WithOperation(method).WithCause(err)
	}

	return nil
}

func parseCompletionTime(s string) (time.Time, error) {
	t, err := time.Parse(ServiceCompletionTimeLayout, s)
	if err != nil {
		return time.Time{}, ErrMalformedResponse.WithDetails(fmt.Sprintf("completion time %q", s)).WithCause(err)
	}
	return t.UTC(), nil
}
