// Package seapi is the paginated, quota-aware, backoff-aware client for the
// upstream account and reputation API.
//
// All operations share one request primitive that honours the upstream's
// "backoff" directive, retries transport timeouts a bounded number of
// times, and recovers from the transient backoff-violation rejection the
// upstream occasionally returns even when no wait was requested.
package seapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.stackexchange.com/2.3"

// initialQuota is assumed until the first response reports the real value.
const initialQuota = 10000

// Config configures the client.
type Config struct {
	// BaseURL is the API root. Default: DefaultBaseURL.
	BaseURL string
	// Key is the registered API key granting the larger request quota.
	Key string
	// UserFilter is the response field filter for account listings.
	UserFilter string
	// PageSize is the page size for listings. Default: 100 (the maximum).
	PageSize int
	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration
	// MinRequestInterval is the global pacing floor between requests.
	// Default: 100ms.
	MinRequestInterval time.Duration
	// PageCooldown is the wait between pages of one listing, staying under
	// an undocumented secondary rate limiter. Default: 10s.
	PageCooldown time.Duration
	// RetryDelay is the wait between transport-timeout retries. Default: 1s.
	RetryDelay time.Duration
	// ViolationDelay is the wait after a backoff-violation rejection before
	// the request is retried whole. Default: 20s.
	ViolationDelay time.Duration
	// MaxAttempts is the total number of transport attempts per request.
	// Default: 2.
	MaxAttempts int
	// MaxViolationRetries bounds whole-request retries after
	// backoff-violation rejections. Default: 3.
	MaxViolationRetries int
	// UserAgent sent with requests.
	UserAgent string
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = 100 * time.Millisecond
	}
	if c.PageCooldown <= 0 {
		c.PageCooldown = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ViolationDelay <= 0 {
		c.ViolationDelay = 20 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.MaxViolationRetries <= 0 {
		c.MaxViolationRetries = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = "userwatch/1.0"
	}
}

// Rollover reports that the remaining quota rose between two consecutive
// responses: the upstream replenished the budget.
type Rollover struct {
	Previous int
	Current  int
}

// Client is the API client. Safe for use from a single tick goroutine plus
// concurrent Quota readers.
type Client struct {
	cfg     Config
	hc      *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	quotaMu   chan struct{} // 1-slot semaphore guarding quota
	quota     int
	rollovers chan Rollover
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{
		cfg:       cfg,
		hc:        &http.Client{Timeout: cfg.Timeout},
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1),
		quotaMu:   make(chan struct{}, 1),
		quota:     initialQuota,
		rollovers: make(chan Rollover, 4),
	}
	c.quotaMu <- struct{}{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Quota returns the most recently observed remaining request quota.
func (c *Client) Quota() int {
	<-c.quotaMu
	q := c.quota
	c.quotaMu <- struct{}{}
	return q
}

// Rollovers delivers quota replenishment events. The channel is buffered
// and events are dropped, not blocked on, when nobody is listening.
func (c *Client) Rollovers() <-chan Rollover {
	return c.rollovers
}

// FetchUsersCreated returns all accounts created on site in the half-open
// window (from, to], ascending by creation time, following pagination until
// exhausted. Callers must not advance their window when an error is
// returned; the same window has to be retried.
func (c *Client) FetchUsersCreated(ctx context.Context, site string, from, to int64) ([]User, error) {
	var users []User
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("site", site)
		params.Set("sort", "creation")
		params.Set("order", "asc")
		params.Set("pagesize", strconv.Itoa(c.cfg.PageSize))
		params.Set("page", strconv.Itoa(page))
		// Upstream treats fromdate and todate as inclusive; shifting
		// fromdate by one second keeps each account in exactly one window.
		params.Set("fromdate", strconv.FormatInt(from+1, 10))
		params.Set("todate", strconv.FormatInt(to, 10))
		if c.cfg.UserFilter != "" {
			params.Set("filter", c.cfg.UserFilter)
		}

		env, err := c.request(ctx, "/users", params)
		if err != nil {
			return nil, fmt.Errorf("fetch accounts for %q: %w", site, err)
		}
		batch, err := decodeUsers(env.Items, site, c.logger)
		if err != nil {
			return nil, fmt.Errorf("fetch accounts for %q: %w", site, err)
		}
		users = append(users, batch...)

		if !env.HasMore {
			return users, nil
		}
		if err := sleepCtx(ctx, c.cfg.PageCooldown); err != nil {
			return nil, err
		}
	}
}

// FetchUser looks up a single account on site. Returns (nil, nil) when the
// account does not exist.
func (c *Client) FetchUser(ctx context.Context, site string, id int64) (*User, error) {
	params := url.Values{}
	params.Set("site", site)
	params.Set("sort", "creation")
	params.Set("order", "desc")
	params.Set("pagesize", "1")
	params.Set("page", "1")
	if c.cfg.UserFilter != "" {
		params.Set("filter", c.cfg.UserFilter)
	}

	env, err := c.request(ctx, "/users/"+strconv.FormatInt(id, 10), params)
	if err != nil {
		return nil, fmt.Errorf("fetch account %d on %q: %w", id, site, err)
	}
	users, err := decodeUsers(env.Items, site, c.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch account %d on %q: %w", id, site, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// maxIDsPerRequest is the upstream's cap on semicolon-joined id vectors.
const maxIDsPerRequest = 100

// FetchNetworkAccounts returns the cross-site history rows for the given
// network account ids, merged by id. Multiple requests and pages are issued
// as needed, under the same backoff and pagination rules.
func (c *Client) FetchNetworkAccounts(ctx context.Context, ids []int64) (map[int64][]NetworkAccount, error) {
	out := make(map[int64][]NetworkAccount, len(ids))
	for start := 0; start < len(ids); start += maxIDsPerRequest {
		end := min(start+maxIDsPerRequest, len(ids))
		joined := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			joined = append(joined, strconv.FormatInt(id, 10))
		}
		path := "/users/" + strings.Join(joined, ";") + "/associated"

		for page := 1; ; page++ {
			params := url.Values{}
			params.Set("pagesize", strconv.Itoa(c.cfg.PageSize))
			params.Set("page", strconv.Itoa(page))

			env, err := c.request(ctx, path, params)
			if err != nil {
				return nil, fmt.Errorf("fetch network accounts: %w", err)
			}
			rows, err := decodeNetworkAccounts(env.Items, c.logger)
			if err != nil {
				return nil, fmt.Errorf("fetch network accounts: %w", err)
			}
			for _, row := range rows {
				out[row.AccountID] = append(out[row.AccountID], row)
			}
			if !env.HasMore {
				break
			}
			if err := sleepCtx(ctx, c.cfg.PageCooldown); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// request is the shared low-level primitive: pacing, transport retry,
// backoff-directive handling, violation recovery, and quota tracking.
func (c *Client) request(ctx context.Context, path string, params url.Values) (*envelope, error) {
	if c.cfg.Key != "" {
		params.Set("key", c.cfg.Key)
	}
	u := c.cfg.BaseURL + path + "?" + params.Encode()

	for violation := 0; ; violation++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, body, err := c.doWithTimeoutRetry(ctx, u)
		if err != nil {
			return nil, err
		}

		var env envelope
		if uerr := env.unmarshal(body); uerr != nil && status == http.StatusOK {
			return nil, fmt.Errorf("seapi: decode envelope: %w", uerr)
		}

		if status == http.StatusOK {
			if err := c.obeyBackoff(ctx, &env); err != nil {
				return nil, err
			}
			c.updateQuota(env.QuotaRemaining)
			return &env, nil
		}

		// The upstream sometimes rejects a request for violating a backoff
		// directive it never issued. The condition is transient and
		// self-clearing; wait it out and retry the whole request.
		if status == http.StatusBadRequest &&
			env.ErrorName == "throttle_violation" &&
			violation < c.cfg.MaxViolationRetries {
			c.logger.Warn("seapi: spurious backoff violation, retrying",
				"delay", c.cfg.ViolationDelay, "attempt", violation+1)
			if err := sleepCtx(ctx, c.cfg.ViolationDelay); err != nil {
				return nil, err
			}
			continue
		}

		c.logger.Error("seapi: request failed", "status", status, "body", truncate(string(body), 300))
		return nil, fmt.Errorf("seapi: http %d", status)
	}
}

// doWithTimeoutRetry issues the HTTP call, retrying transport timeouts up
// to MaxAttempts total. Any other transport error surfaces immediately.
func (c *Client) doWithTimeoutRetry(ctx context.Context, u string) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
				return 0, nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("seapi: new request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				lastErr = err
				c.logger.Warn("seapi: transport timeout", "attempt", attempt+1, "error", err)
				continue
			}
			return 0, nil, fmt.Errorf("seapi: http get: %w", err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("seapi: read body: %w", err)
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, fmt.Errorf("seapi: request timed out after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// obeyBackoff honours a "wait N seconds" directive. One extra millisecond
// is added because the upstream's accounting treats the boundary as
// inclusive; an exact sleep risks a spurious rejection on the next call.
func (c *Client) obeyBackoff(ctx context.Context, env *envelope) error {
	if env.Backoff <= 0 {
		return nil
	}
	d := time.Duration(env.Backoff)*time.Second + time.Millisecond
	c.logger.Info("seapi: obeying backoff directive", "seconds", env.Backoff)
	return sleepCtx(ctx, d)
}

// updateQuota records the reported quota and emits a Rollover event when it
// rose: a rise means the upstream replenished the budget, not ordinary
// consumption.
func (c *Client) updateQuota(remaining int) {
	<-c.quotaMu
	prev := c.quota
	c.quota = remaining
	c.quotaMu <- struct{}{}

	c.logger.Debug("seapi: quota", "remaining", remaining)
	if remaining > prev {
		select {
		case c.rollovers <- Rollover{Previous: prev, Current: remaining}:
		default:
		}
	}
}

func (e *envelope) unmarshal(body []byte) error {
	return json.Unmarshal(body, e)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
