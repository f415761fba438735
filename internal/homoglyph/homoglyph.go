// Package homoglyph canonicalizes visually-confusable Unicode code points.
//
// A remote table defines equivalence classes of look-alike code points, one
// class per line as comma-separated hex values; the first value is the class
// representative. Canonicalization rewrites every code point of the input to
// the representative of the first class containing its lower- or upper-cased
// form, leaving unknown code points untouched. Spoofed display names and
// URLs canonicalize to the same string, so similarity scoring compares them
// on equal footing.
package homoglyph

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

// DefaultTableURL is the codebox homoglyph raw data table.
const DefaultTableURL = "https://raw.githubusercontent.com/codebox/homoglyph/master/raw_data/char_codes.txt"

type class struct {
	rep     rune
	members map[rune]struct{}
}

// Table maps code points to class representatives. A nil *Table is valid and
// canonicalizes to the identity, which is the fallback when the remote table
// has never been loaded.
type Table struct {
	classes []class
}

// ParseTable reads a homoglyph table. Lines starting with '#' and blank
// lines are skipped. A malformed item within a line is skipped; the rest of
// the line is kept. A line whose first item is malformed is dropped entirely
// because it has no representative.
func ParseTable(r io.Reader) (*Table, error) {
	t := &Table{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		items := strings.Split(line, ",")
		members := make(map[rune]struct{}, len(items))
		var rep rune
		haveRep := false
		for i, item := range items {
			v, err := strconv.ParseUint(strings.TrimSpace(item), 16, 32)
			if err != nil {
				slog.Warn("homoglyph: skipping malformed table item", "line", line, "item", item)
				continue
			}
			cp := rune(v)
			members[cp] = struct{}{}
			if i == 0 {
				rep = cp
				haveRep = true
			}
		}
		if haveRep {
			t.classes = append(t.classes, class{rep: rep, members: members})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("homoglyph: read table: %w", err)
	}
	return t, nil
}

// Canonicalize rewrites each code point of s to its class representative.
// It never fails; with a nil table it returns s unchanged.
func (t *Table) Canonicalize(s string) string {
	if t == nil || len(t.classes) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, cp := range s {
		b.WriteRune(t.canon(cp))
	}
	return b.String()
}

func (t *Table) canon(cp rune) rune {
	lower := unicode.ToLower(cp)
	upper := unicode.ToUpper(cp)
	for _, c := range t.classes {
		if _, ok := c.members[lower]; ok {
			return c.rep
		}
		if _, ok := c.members[upper]; ok {
			return c.rep
		}
	}
	return cp
}

// Loader fetches the table over HTTP and swaps it atomically, so a reload
// never disturbs a canonicalization already in flight.
type Loader struct {
	url    string
	client *http.Client
	logger *slog.Logger
	table  atomic.Pointer[Table]
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = log }
}

// NewLoader creates a Loader for the given table URL. An empty URL selects
// DefaultTableURL.
func NewLoader(url string, opts ...LoaderOption) *Loader {
	if url == "" {
		url = DefaultTableURL
	}
	l := &Loader{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Table returns the current table. It is nil until the first successful
// Reload, which still yields valid identity canonicalization.
func (l *Loader) Table() *Table {
	return l.table.Load()
}

// Reload fetches and parses the table, replacing the current one on success.
// On any failure the previous table (or nil) stays in place and the error is
// both logged and returned, so callers may ignore it.
func (l *Loader) Reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return fmt.Errorf("homoglyph: new request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("homoglyph: table fetch failed, keeping previous", "url", l.url, "error", err)
		return fmt.Errorf("homoglyph: fetch table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		l.logger.Warn("homoglyph: table fetch bad status, keeping previous", "url", l.url, "status", resp.StatusCode)
		return fmt.Errorf("homoglyph: fetch table: http %d", resp.StatusCode)
	}

	t, err := ParseTable(resp.Body)
	if err != nil {
		l.logger.Warn("homoglyph: table parse failed, keeping previous", "url", l.url, "error", err)
		return err
	}

	l.table.Store(t)
	l.logger.Info("homoglyph: table loaded", "classes", len(t.classes))
	return nil
}
