package notifications

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vaultize/alerting/internal/rules"
	"github.com/vaultize/alerting/pkg/tlsutil"
)

const (
	// maxAttempts bounds retries per action per batch.
	maxAttempts = 5
	// actionBudget caps the total time spent on one action including
	// every retry and backoff pause.
	actionBudget = 60 * time.Second

	defaultMaxConcurrent  = 64
	defaultAttemptTimeout = 10 * time.Second
)

// Delivery outcome of a single action.
const (
	StatusDelivered         = "delivered"
	StatusPermanentlyFailed = "permanently_failed"
)

// Aggregate outcome of a whole batch.
const (
	AggregateAllOK     = "all_ok"
	AggregatePartial   = "partial"
	AggregateAllFailed = "all_failed"
)

// Result is the final outcome of one action's delivery.
type Result struct {
	Action     string `json:"action"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Attempts   int    `json:"attempts"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Error      string `json:"error,omitempty"`
}

// Delivered reports whether the action reached its endpoint.
func (r Result) Delivered() bool { return r.Status == StatusDelivered }

// AggregateStatus folds per-action results into all_ok, partial, or
// all_failed. An empty batch counts as all_failed.
func AggregateStatus(results []Result) string {
	delivered := 0
	for _, r := range results {
		if r.Delivered() {
			delivered++
		}
	}
	switch {
	case len(results) == 0 || delivered == 0:
		return AggregateAllFailed
	case delivered == len(results):
		return AggregateAllOK
	default:
		return AggregatePartial
	}
}

// DispatcherConfig carries the knobs a Dispatcher is built with.
type DispatcherConfig struct {
	// MaxConcurrent caps in-flight HTTP attempts across all rules.
	MaxConcurrent int64
	// DefaultTimeout applies to actions without their own timeout.
	DefaultTimeout time.Duration
	// AllowedHosts is the wildcard allowlist for webhook hosts; empty
	// allows everything except the metadata endpoint.
	AllowedHosts []string
	// UserAgent is forced onto every outgoing request.
	UserAgent string
	// OnAttempt is invoked once per HTTP attempt, for metrics.
	OnAttempt func()
}

// Dispatcher delivers rendered notifications to webhook endpoints with
// bounded retries. A single dispatcher is shared by every rule.
type Dispatcher struct {
	client         *http.Client
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	allowedHosts   []string
	userAgent      string
	backoff        backoffConfig
	budget         time.Duration
	onAttempt      func()
}

// NewDispatcher builds a dispatcher with a pooled HTTP client.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "vaultize-alerting"
	}
	return &Dispatcher{
		client:         tlsutil.NewHTTPClient(true, "", 0),
		sem:            semaphore.NewWeighted(maxConcurrent),
		defaultTimeout: timeout,
		allowedHosts:   cfg.AllowedHosts,
		userAgent:      userAgent,
		backoff: backoffConfig{
			Initial:    time.Second,
			Multiplier: 2,
			Jitter:     0.2,
			Max:        60 * time.Second,
		},
		budget:    actionBudget,
		onAttempt: cfg.OnAttempt,
	}
}

// Dispatch fans the notification out to every action in parallel and
// returns per-action results in action order plus the aggregate
// status. Cancelling ctx aborts in-flight deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []rules.Action, n *Notification) ([]Result, string) {
	results := make([]Result, len(actions))
	var wg sync.WaitGroup
	for i := range actions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.deliver(ctx, &actions[i], n)
		}(i)
	}
	wg.Wait()

	aggregate := AggregateStatus(results)
	log.Debug().
		Str("rule", n.RuleName).
		Str("aggregate", aggregate).
		Int("actions", len(actions)).
		Msg("Notification batch finished")
	return results, aggregate
}

func (d *Dispatcher) deliver(ctx context.Context, action *rules.Action, n *Notification) Result {
	start := time.Now()
	res := Result{Action: action.Name, Status: StatusPermanentlyFailed}
	defer func() { res.ElapsedMS = time.Since(start).Milliseconds() }()

	if err := CheckTarget(action.Webhook.URL, d.allowedHosts); err != nil {
		res.Error = err.Error()
		log.Warn().
			Str("rule", n.RuleName).
			Str("action", action.Name).
			Err(err).
			Msg("Webhook target refused")
		return res
	}

	body := RenderBody(action.Webhook.Body, n)
	timeout := action.Webhook.AttemptTimeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if d.onAttempt != nil {
			d.onAttempt()
		}

		status, err := d.attempt(actionCtx, action, body, timeout)
		res.HTTPStatus = status
		if err == nil && status >= 200 && status < 300 {
			res.Status = StatusDelivered
			res.Error = ""
			return res
		}

		if err != nil {
			res.Error = err.Error()
		} else {
			res.Error = fmt.Sprintf("endpoint returned HTTP %d", status)
		}
		if !retryable(status, err) {
			log.Warn().
				Str("rule", n.RuleName).
				Str("action", action.Name).
				Int("status", status).
				Msg("Webhook rejected the notification, not retrying")
			return res
		}
		if attempt == maxAttempts {
			break
		}

		delay := d.backoff.nextDelay(attempt-1, rand.Float64())
		log.Debug().
			Str("rule", n.RuleName).
			Str("action", action.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Webhook delivery failed, backing off")
		if sleepErr := sleepCtx(actionCtx, delay); sleepErr != nil {
			res.Error = fmt.Sprintf("delivery aborted: %v", sleepErr)
			return res
		}
	}

	log.Warn().
		Str("rule", n.RuleName).
		Str("action", action.Name).
		Int("attempts", res.Attempts).
		Str("error", res.Error).
		Msg("Webhook delivery permanently failed")
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, action *rules.Action, body []byte, timeout time.Duration) (int, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer d.sem.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, action.Webhook.Method, action.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range action.Webhook.Headers {
		req.Header.Set(k, v)
	}
	// Forced headers win over user-configured ones.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	return resp.StatusCode, nil
}

// retryable classifies a failed attempt. Transport errors, timeouts,
// throttling, and server errors retry; other client errors are
// permanent recipient-side failures.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
