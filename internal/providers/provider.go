package providers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/student/negotiatord/internal/circuitbreaker"
	"github.com/student/negotiatord/internal/health"
	"github.com/student/negotiatord/internal/stats"
)

// noReasoningDirective is injected into the system message when reasoning
// suppression is enabled, per spec's "implementation-defined marker".
const noReasoningDirective = "Respond directly. Do not include <think> or <thinking> blocks in your output."

// Backend builds and parses the wire format for one concrete LLM backend
// (local HTTP chat-completion server, remote hosted API, ...). HTTPProvider
// supplies everything backend-agnostic: retries, timeouts, reasoning
// suppression, tracing, circuit breaking, and health reporting.
type Backend interface {
	Name() string
	BuildChatRequest(messages []Message, params Params) (url string, payload any, headers map[string]string)
	ParseChatResponse(body []byte) (Result, error)
	HealthEndpoint() string
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *HTTPProvider) { h.retry = p }
}

func WithReasoningSuppression(enabled bool) Option {
	return func(h *HTTPProvider) { h.suppressReasoning = enabled }
}

func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(h *HTTPProvider) { h.breaker = b }
}

func WithHealthTracker(t *health.Tracker) Option {
	return func(h *HTTPProvider) { h.health = t }
}

// WithStatsCollector records every Generate call's latency and outcome into
// c, so internal/httpapi's admin /stats endpoint has per-provider rolling
// windows to report even though no per-request billing exists in this
// domain to otherwise justify a snapshot.
func WithStatsCollector(c *stats.Collector) Option {
	return func(h *HTTPProvider) { h.stats = c }
}

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPProvider) { h.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(h *HTTPProvider) { h.client.Timeout = d }
}

func WithDisabled() Option {
	return func(h *HTTPProvider) { h.disabled = true }
}

// HTTPProvider implements Provider on top of a Backend, the shared retry
// policy, and the shared reasoning-suppression rule. It is safe for
// concurrent Generate/Stream calls: state held across calls (breaker,
// health tracker, http.Client) is itself concurrency-safe, and each call
// builds its own request/response.
type HTTPProvider struct {
	backend           Backend
	client            *http.Client
	retry             RetryPolicy
	suppressReasoning bool
	disabled          bool
	breaker           *circuitbreaker.Breaker
	health            *health.Tracker
	stats             *stats.Collector
}

// NewHTTPProvider wires a Backend into the shared retry/timeout/reasoning
// machinery described in spec.md §4.1.
func NewHTTPProvider(backend Backend, opts ...Option) *HTTPProvider {
	h := &HTTPProvider{
		backend: backend,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   RetryPolicy{MaxRetries: 2, BaseDelay: 200 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID and HealthEndpoint let an *HTTPProvider be registered directly as a
// health.Probeable, so internal/app can point the periodic prober at the
// same backends that serve negotiation turns without a separate adapter.
func (h *HTTPProvider) ID() string { return h.backend.Name() }

func (h *HTTPProvider) HealthEndpoint() string { return h.backend.HealthEndpoint() }

func (h *HTTPProvider) Ping(ctx context.Context) (Status, error) {
	if h.disabled {
		return Status{Available: false, Error: "disabled"}, NewDisabledError(h.backend.Name())
	}
	endpoint := h.backend.HealthEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{Available: false, BaseURL: endpoint}, NewUnavailableError(err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if h.health != nil {
			h.health.RecordError(h.backend.Name(), err.Error())
		}
		return Status{Available: false, BaseURL: endpoint, Error: err.Error()}, NewUnavailableError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A GET against a POST-only chat endpoint reaching the server (2xx, 401,
	// or 405) still proves reachability.
	available := (resp.StatusCode >= 200 && resp.StatusCode < 300) ||
		resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusMethodNotAllowed
	if h.health != nil {
		if available {
			h.health.RecordSuccess(h.backend.Name(), 0)
		} else {
			h.health.RecordError(h.backend.Name(), "HTTP "+strconv.Itoa(resp.StatusCode))
		}
	}
	return Status{Available: available, BaseURL: endpoint}, nil
}

func (h *HTTPProvider) Generate(ctx context.Context, messages []Message, params Params) (Result, error) {
	if h.disabled {
		return Result{}, NewDisabledError(h.backend.Name())
	}
	if h.breaker != nil && !h.breaker.Allow() {
		return Result{}, NewUnavailableError(fmt.Errorf("circuit open for %s", h.backend.Name()))
	}

	sent := messages
	if h.suppressReasoning {
		sent = withNoReasoningDirective(messages)
	}

	var result Result
	start := time.Now()
	err := h.retry.Do(ctx, func(ctx context.Context) error {
		url, payload, headers := h.backend.BuildChatRequest(sent, params)
		body, doErr := DoRequest(ctx, h.client, url, payload, headers)
		if doErr != nil {
			return doErr
		}
		parsed, parseErr := h.backend.ParseChatResponse(body)
		if parseErr != nil {
			return NewResponseError(parseErr)
		}
		result = parsed
		return nil
	})
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		if h.breaker != nil {
			h.breaker.RecordFailure()
		}
		if h.health != nil {
			h.health.RecordError(h.backend.Name(), err.Error())
		}
		if h.stats != nil {
			h.stats.Record(stats.Snapshot{ProviderID: h.backend.Name(), LatencyMs: latencyMs, Success: false})
		}
		return Result{}, err
	}
	if h.breaker != nil {
		h.breaker.RecordSuccess()
	}
	if h.health != nil {
		h.health.RecordSuccess(h.backend.Name(), latencyMs)
	}
	if h.stats != nil {
		h.stats.Record(stats.Snapshot{ProviderID: h.backend.Name(), LatencyMs: latencyMs, Success: true})
	}

	if h.suppressReasoning {
		result.Text = StripReasoning(result.Text)
	}
	return result, nil
}

// Stream issues a single non-retrying request (retrying a partially
// consumed stream would duplicate visible tokens) and tokenizes the raw
// body into a channel of TokenChunk, filtering reasoning blocks when
// suppression is enabled. The channel is closed after the final chunk
// (IsEnd=true) is sent.
func (h *HTTPProvider) Stream(ctx context.Context, messages []Message, params Params) (<-chan TokenChunk, error) {
	if h.disabled {
		return nil, NewDisabledError(h.backend.Name())
	}
	if h.breaker != nil && !h.breaker.Allow() {
		return nil, NewUnavailableError(fmt.Errorf("circuit open for %s", h.backend.Name()))
	}

	sent := messages
	if h.suppressReasoning {
		sent = withNoReasoningDirective(messages)
	}

	url, payload, headers := h.backend.BuildChatRequest(sent, params)
	body, err := DoRequest(ctx, h.client, url, payload, headers)
	if err != nil {
		if h.breaker != nil {
			h.breaker.RecordFailure()
		}
		if h.health != nil {
			h.health.RecordError(h.backend.Name(), err.Error())
		}
		return nil, Classify(err)
	}
	result, err := h.backend.ParseChatResponse(body)
	if err != nil {
		return nil, NewResponseError(err)
	}
	if h.breaker != nil {
		h.breaker.RecordSuccess()
	}
	if h.health != nil {
		h.health.RecordSuccess(h.backend.Name(), 0)
	}

	out := make(chan TokenChunk)
	go func() {
		defer close(out)
		filter := &ReasoningFilter{}
		runes := []rune(result.Text)
		for i, r := range runes {
			token := string(r)
			if h.suppressReasoning {
				token = filter.Filter(token)
				if token == "" {
					continue
				}
			}
			select {
			case out <- TokenChunk{Token: token, Index: i}:
			case <-ctx.Done():
				return
			}
		}
		if h.suppressReasoning {
			if tail := filter.Flush(); tail != "" {
				select {
				case out <- TokenChunk{Token: tail, Index: len(runes)}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case out <- TokenChunk{IsEnd: true, Index: len(runes)}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func withNoReasoningDirective(messages []Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	injected := false
	for _, m := range messages {
		if m.Role == RoleSystem && !injected {
			m.Content = m.Content + "\n" + noReasoningDirective
			injected = true
		}
		out = append(out, m)
	}
	if !injected {
		out = append([]Message{{Role: RoleSystem, Content: noReasoningDirective}}, out...)
	}
	return out
}
