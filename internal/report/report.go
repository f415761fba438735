// Package report formats and delivers alerts about suspicious accounts.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/userwatch/internal/classify"
	"github.com/hazyhaar/userwatch/internal/store"
)

// Sink delivers one alert message. Implementations retry transient
// failures themselves; a returned error means the message is lost.
type Sink interface {
	Post(ctx context.Context, text string) error
}

// WebhookSink POSTs alert text as JSON to a URL with retry and
// exponential backoff.
type WebhookSink struct {
	url        string
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithRetries sets the maximum number of retries. Default: 3.
func WithRetries(n int) WebhookOption {
	return func(w *WebhookSink) { w.maxRetries = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) WebhookOption {
	return func(w *WebhookSink) { w.logger = l }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) WebhookOption {
	return func(w *WebhookSink) { w.client = hc }
}

// NewWebhookSink creates a WebhookSink targeting the given URL.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Post delivers one message, retrying with 1s, 2s, 4s, ... backoff.
func (w *WebhookSink) Post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("report: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("report: webhook request failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("report: status %d", resp.StatusCode)
		w.logger.Warn("report: webhook bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("report: all retries exhausted: %w", lastErr)
}

// WriterSink writes each message as one line. Used for stdout operation
// and tests.
type WriterSink struct {
	W io.Writer
}

func (s *WriterSink) Post(_ context.Context, text string) error {
	_, err := fmt.Fprintln(s.W, text)
	return err
}

// messagePrefix tags every alert with a link back to this project.
const messagePrefix = "[ [User Watch](https://github.com/hazyhaar/userwatch) ]"

// excerptLimit caps the about-me excerpt length in runes.
const excerptLimit = 200

var aboutStripper = bluemonday.StrictPolicy()

// FormatAlert renders one finding as a chat-markdown message: prefix,
// profile link (name italicized when the account is suspended), optional
// site marker, the reason list, and a quoted plain-text about-me excerpt
// when an about-me reason fired.
func FormatAlert(f *classify.Finding, showSite bool) string {
	var b strings.Builder
	b.WriteString(messagePrefix)
	b.WriteString(" [")

	name := escapeMarkdown(strings.TrimSpace(f.User.DisplayName))
	suspended := f.User.TimedPenaltyDate != nil
	if suspended {
		b.WriteString("*")
	}
	b.WriteString(name)
	if suspended {
		b.WriteString("*")
	}
	b.WriteString("](")
	b.WriteString(f.User.Link)
	b.WriteString("?tab=profile \"")
	b.WriteString(strings.TrimSpace(f.User.DisplayName))
	b.WriteString("\") ")

	if showSite {
		b.WriteString("on **`")
		b.WriteString(f.User.Site)
		b.WriteString("`** ")
	}

	b.WriteString("(")
	b.WriteString(strings.Join(f.Reasons, "; "))
	b.WriteString(")")

	if hasAboutReason(f.Reasons) {
		if excerpt := aboutExcerpt(f.User.AboutMe); excerpt != "" {
			b.WriteString("\n> ")
			b.WriteString(excerpt)
		}
	}
	return b.String()
}

// FormatStatistics renders the per-site counters flushed on quota
// rollover, sites in stable order.
func FormatStatistics(cursors map[string]*store.Cursor, quota int) string {
	sites := make([]string, 0, len(cursors))
	for site := range cursors {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	var seen, flagged int64
	var b strings.Builder
	b.WriteString(messagePrefix)
	b.WriteString(" Statistics:")
	for _, site := range sites {
		c := cursors[site]
		seen += c.TotalSeen
		flagged += c.TotalFlagged
		fmt.Fprintf(&b, "\n- `%s`: %d seen, %d flagged", site, c.TotalSeen, c.TotalFlagged)
	}
	fmt.Fprintf(&b, "\n- total: %d seen, %d flagged; quota remaining: %d", seen, flagged, quota)
	return b.String()
}

// hasAboutReason reports whether any reason concerns the about-me field.
func hasAboutReason(reasons []string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, `"About Me"`) {
			return true
		}
	}
	return false
}

// aboutExcerpt reduces the about-me HTML to a single plain-text line,
// truncated for chat.
func aboutExcerpt(aboutHTML string) string {
	text := html.UnescapeString(aboutStripper.Sanitize(aboutHTML))
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > excerptLimit {
		text = string(runes[:excerptLimit]) + "..."
	}
	return escapeMarkdown(text)
}

var markdownEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"[", "\\[",
	"]", "\\]",
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
