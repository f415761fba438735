// Package rules loads and compiles the remote pattern lists used by the
// classifier: name/URL/about/avatar blacklists, offensive-language tiers,
// keyword lists, and phone/email/URL detectors.
//
// Sources are line-oriented UTF-8 text over HTTP with '#' comments. They are
// untrusted: a garbage line never aborts a list, and a list that fails to
// download keeps its previous successfully-loaded compilation. The loader
// publishes an immutable *Sets snapshot behind an atomic pointer, so a
// reload is a pointer swap and classifications in flight keep a consistent
// view.
package rules

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/ahocorasick"
)

// Default source URLs. The offensive tiers and community lists are
// maintained by external review projects; the rest are first-party.
const (
	defaultOffensiveHighURL   = "https://raw.githubusercontent.com/SOBotics/SOCVFinder/master/SOCVDBService/ini/regex_high_score.txt"
	defaultOffensiveMediumURL = "https://raw.githubusercontent.com/SOBotics/SOCVFinder/master/SOCVDBService/ini/regex_medium_score.txt"
	defaultOffensiveLowURL    = "https://raw.githubusercontent.com/SOBotics/SOCVFinder/master/SOCVDBService/ini/regex_low_score.txt"
	defaultNameCommunityURL   = "https://raw.githubusercontent.com/Charcoal-SE/SmokeDetector/master/blacklisted_usernames.txt"
	defaultURLCommunityURL    = "https://raw.githubusercontent.com/Charcoal-SE/SmokeDetector/master/blacklisted_websites.txt"
	defaultKeywordURL         = "https://raw.githubusercontent.com/Charcoal-SE/SmokeDetector/master/bad_keywords.txt"
	defaultKeywordWatchURL    = "https://raw.githubusercontent.com/Charcoal-SE/SmokeDetector/master/watched_keywords.txt"
	defaultNameURL            = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/DisplayNameBlacklist.txt"
	defaultAboutURL           = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/AboutMeBlacklist.txt"
	defaultURLBlacklistURL    = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/UrlBlacklist.txt"
	defaultAvatarURL          = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/AvatarBlacklist.txt"
	defaultPhoneURL           = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/PhoneNumber.txt"
	defaultEmailURL           = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/EmailAddress.txt"
	defaultURLPatternURL      = "https://raw.githubusercontent.com/SOBotics/UserStalker/master/patterns/Url.txt"
)

// maxNameLength is the platform's maximum username length; it bounds the
// look-behind quantifier rewrite.
const maxNameLength = 40

var (
	// Embedded (?#...) comment groups are stripped before compilation; the
	// classification engine's dialect does not accept them.
	commentGroupRe = regexp.MustCompile(`(?i)\(\?#.*\)`)

	// Unbounded quantifiers inside a positive look-behind, greedy or
	// possessive (doubled), rewritten to bounded repetition.
	lookbehindStarRe = regexp.MustCompile(`(?i)(\(\?<=.*?)(?:\*{1,2})(.*\))`)
	lookbehindPlusRe = regexp.MustCompile(`(?i)(\(\?<=.*?)(?:\+{1,2})(.*\))`)
)

// Sources names the URL of every pattern list. Zero-valued fields fall back
// to the defaults above.
type Sources struct {
	OffensiveHigh    string `yaml:"offensive_high"`
	OffensiveMedium  string `yaml:"offensive_medium"`
	OffensiveLow     string `yaml:"offensive_low"`
	Name             string `yaml:"name"`
	NameCommunity    string `yaml:"name_community"`
	URLBlacklist     string `yaml:"url_blacklist"`
	URLCommunity     string `yaml:"url_community"`
	Keyword          string `yaml:"keyword"`
	KeywordWatchlist string `yaml:"keyword_watchlist"`
	About            string `yaml:"about"`
	Avatar           string `yaml:"avatar"`
	Phone            string `yaml:"phone"`
	Email            string `yaml:"email"`
	URLPattern       string `yaml:"url_pattern"`
}

func (s *Sources) defaults() {
	def := func(p *string, url string) {
		if *p == "" {
			*p = url
		}
	}
	def(&s.OffensiveHigh, defaultOffensiveHighURL)
	def(&s.OffensiveMedium, defaultOffensiveMediumURL)
	def(&s.OffensiveLow, defaultOffensiveLowURL)
	def(&s.Name, defaultNameURL)
	def(&s.NameCommunity, defaultNameCommunityURL)
	def(&s.URLBlacklist, defaultURLBlacklistURL)
	def(&s.URLCommunity, defaultURLCommunityURL)
	def(&s.Keyword, defaultKeywordURL)
	def(&s.KeywordWatchlist, defaultKeywordWatchURL)
	def(&s.About, defaultAboutURL)
	def(&s.Avatar, defaultAvatarURL)
	def(&s.Phone, defaultPhoneURL)
	def(&s.Email, defaultEmailURL)
	def(&s.URLPattern, defaultURLPatternURL)
}

// Set is one compiled pattern list. Lines without regex metacharacters go
// into an Aho-Corasick matcher instead of individual regexps; long keyword
// lists are mostly literals and the multi-pattern scan beats running each
// as a regexp.
type Set struct {
	name     string
	patterns []*regexp.Regexp
	literals *ahocorasick.Matcher
	nliteral int
}

// Name returns the list name the Set was compiled from.
func (s *Set) Name() string { return s.name }

// Len returns the number of usable entries (regexps plus literals).
func (s *Set) Len() int { return len(s.patterns) + s.nliteral }

// Match reports whether any pattern in the set is found in text.
// Matching is case-insensitive find semantics, not full-string match:
// profile fields are free text and a full match would never fire on
// multi-sentence content.
func (s *Set) Match(text string) bool {
	if s == nil || text == "" {
		return false
	}
	if s.nliteral > 0 && len(s.literals.Match([]byte(strings.ToLower(text)))) > 0 {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Compile builds a Set from raw pattern lines. A pattern that fails to
// compile is retried once with look-behind quantifiers bounded to the
// maximum username length; if it still fails it is dropped and compilation
// continues; one bad pattern never aborts the set.
func Compile(name string, exprs []string, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{name: name}
	var literals []string
	for _, expr := range exprs {
		expr = strings.TrimSpace(commentGroupRe.ReplaceAllString(expr, ""))
		if expr == "" {
			continue
		}

		if regexp.QuoteMeta(expr) == expr {
			literals = append(literals, strings.ToLower(expr))
			continue
		}

		re, err := regexp.Compile("(?i)" + expr)
		if err == nil {
			set.patterns = append(set.patterns, re)
			continue
		}

		// Unbounded quantifiers inside look-behinds are rewritten to
		// bounded ones ({0,40}/{1,40}); engines that reject look-behind
		// outright will still fail, and the pattern is skipped.
		rewritten := lookbehindStarRe.ReplaceAllString(expr, fmt.Sprintf("$1{0,%d}$2", maxNameLength))
		rewritten = lookbehindPlusRe.ReplaceAllString(rewritten, fmt.Sprintf("$1{1,%d}$2", maxNameLength))
		re, err = regexp.Compile("(?i)" + rewritten)
		if err != nil {
			logger.Warn("rules: dropping uncompilable pattern", "list", name, "pattern", expr)
			continue
		}
		set.patterns = append(set.patterns, re)
	}
	if len(literals) > 0 {
		set.literals = ahocorasick.NewStringMatcher(literals)
		set.nliteral = len(literals)
	}
	return set
}

// Sets is one immutable snapshot of every compiled list.
type Sets struct {
	OffensiveHi  *Set
	OffensiveMd  *Set
	OffensiveLo  *Set
	Name         *Set
	NameComm     *Set
	URL          *Set
	URLComm      *Set
	Keyword      *Set
	KeywordWatch *Set
	About        *Set
	Avatar       *Set
	Phone        *Set
	Email        *Set
	URLPattern   *Set
}

// Empty returns a snapshot whose sets match nothing. Used before the first
// successful load.
func Empty() *Sets {
	mk := func(name string) *Set { return &Set{name: name} }
	return &Sets{
		OffensiveHi:  mk("offensive-high"),
		OffensiveMd:  mk("offensive-medium"),
		OffensiveLo:  mk("offensive-low"),
		Name:         mk("name"),
		NameComm:     mk("name-community"),
		URL:          mk("url"),
		URLComm:      mk("url-community"),
		Keyword:      mk("keyword"),
		KeywordWatch: mk("keyword-watchlist"),
		About:        mk("about"),
		Avatar:       mk("avatar"),
		Phone:        mk("phone"),
		Email:        mk("email"),
		URLPattern:   mk("url-pattern"),
	}
}

// Loader fetches, compiles, and atomically publishes pattern sets.
type Loader struct {
	sources Sources
	client  *http.Client
	logger  *slog.Logger

	cur atomic.Pointer[Sets]

	mu       sync.Mutex      // serializes Reload
	lastGood map[string]*Set // per-list fallback across failed fetches
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

// NewLoader creates a Loader. Zero-valued source URLs use the defaults.
func NewLoader(sources Sources, opts ...LoaderOption) *Loader {
	sources.defaults()
	l := &Loader{
		sources:  sources,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		lastGood: make(map[string]*Set),
	}
	for _, o := range opts {
		o(l)
	}
	l.cur.Store(Empty())
	return l
}

// Snapshot returns the current pattern sets. Never nil; before the first
// load it returns empty sets.
func (l *Loader) Snapshot() *Sets {
	return l.cur.Load()
}

// Reload fetches and recompiles every list, then swaps the snapshot in one
// atomic store. It never fails as a whole: a list whose fetch errors keeps
// its previous compilation (or stays empty) with a warning. Safe to call
// while the previous snapshot is in use.
func (l *Loader) Reload(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Info("rules: reloading pattern lists")
	next := &Sets{
		OffensiveHi:  l.load(ctx, "offensive-high", l.sources.OffensiveHigh, false),
		OffensiveMd:  l.load(ctx, "offensive-medium", l.sources.OffensiveMedium, false),
		OffensiveLo:  l.load(ctx, "offensive-low", l.sources.OffensiveLow, false),
		Name:         l.load(ctx, "name", l.sources.Name, false),
		NameComm:     l.load(ctx, "name-community", l.sources.NameCommunity, false),
		URL:          l.load(ctx, "url", l.sources.URLBlacklist, false),
		URLComm:      l.load(ctx, "url-community", l.sources.URLCommunity, false),
		Keyword:      l.load(ctx, "keyword", l.sources.Keyword, false),
		KeywordWatch: l.load(ctx, "keyword-watchlist", l.sources.KeywordWatchlist, true),
		About:        l.load(ctx, "about", l.sources.About, false),
		Avatar:       l.load(ctx, "avatar", l.sources.Avatar, false),
		Phone:        l.load(ctx, "phone", l.sources.Phone, false),
		Email:        l.load(ctx, "email", l.sources.Email, false),
		URLPattern:   l.load(ctx, "url-pattern", l.sources.URLPattern, false),
	}
	l.cur.Store(next)
}

// load fetches and compiles one list, falling back to the last good
// compilation (or an empty set) when the fetch fails.
func (l *Loader) load(ctx context.Context, name, url string, tsv bool) *Set {
	exprs, err := l.fetchLines(ctx, url, tsv)
	if err != nil {
		l.logger.Warn("rules: list fetch failed, keeping previous", "list", name, "url", url, "error", err)
		if prev, ok := l.lastGood[name]; ok {
			return prev
		}
		return &Set{name: name}
	}
	set := Compile(name, exprs, l.logger)
	l.lastGood[name] = set
	l.logger.Debug("rules: list loaded", "list", name, "entries", set.Len())
	return set
}

// fetchLines downloads one plain-text list. Lines starting with '#' are
// comments; blank lines are skipped. Watchlist-style sources are
// tab-separated with the pattern in the third field.
func (l *Loader) fetchLines(ctx context.Context, url string, tsv bool) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rules: new request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rules: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rules: fetch: http %d", resp.StatusCode)
	}

	var exprs []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		expr := strings.TrimSpace(line)
		if tsv {
			fields := strings.Split(expr, "\t")
			if len(fields) < 3 {
				continue
			}
			expr = fields[2]
		}
		if expr == "" {
			continue
		}
		exprs = append(exprs, expr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rules: read list: %w", err)
	}
	return exprs, nil
}
