// Package patrol watches a family of Q&A sites for newly created accounts,
// classifies them against remote blacklists, suppresses false positives by
// cross-site reputation, and posts alerts.
//
// One goroutine drives all ticks; a tick fully completes, including every
// paginated fetch, before the next one starts. This keeps the cursor math
// race-free and two in-flight requests from competing over quota.
package patrol

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/userwatch/internal/classify"
	"github.com/hazyhaar/userwatch/internal/homoglyph"
	"github.com/hazyhaar/userwatch/internal/netcheck"
	"github.com/hazyhaar/userwatch/internal/report"
	"github.com/hazyhaar/userwatch/internal/rules"
	"github.com/hazyhaar/userwatch/internal/seapi"
	"github.com/hazyhaar/userwatch/internal/store"
)

// AccountSource fetches accounts and reputation rows. *seapi.Client is the
// production implementation.
type AccountSource interface {
	FetchUsersCreated(ctx context.Context, site string, from, to int64) ([]seapi.User, error)
	FetchUser(ctx context.Context, site string, id int64) (*seapi.User, error)
	FetchNetworkAccounts(ctx context.Context, ids []int64) (map[int64][]seapi.NetworkAccount, error)
	Quota() int
	Rollovers() <-chan seapi.Rollover
}

// Service is the patrol orchestrator. Stopped until Start; Start and Stop
// are safe to call from any goroutine.
type Service struct {
	cfg    Config
	src    AccountSource
	sink   report.Sink
	st     *store.Store
	rules  *rules.Loader
	glyphs *homoglyph.Loader
	logger *slog.Logger

	fast       []string
	slow       []string
	nonEnglish map[string]bool
	showSite   bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	cron    *cron.Cron
	cursors map[string]*store.Cursor
	ticks   int
}

// New creates a stopped Service.
func New(cfg Config, src AccountSource, sink report.Sink, st *store.Store,
	ruleLoader *rules.Loader, glyphLoader *homoglyph.Loader, logger *slog.Logger) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	fast := dedupe(cfg.FastSites)
	slow := make([]string, 0, len(cfg.SlowSites))
	for _, site := range dedupe(cfg.SlowSites) {
		if !slices.Contains(fast, site) {
			slow = append(slow, site)
		}
	}
	nonEnglish := make(map[string]bool, len(cfg.NonEnglishSites))
	for _, site := range cfg.NonEnglishSites {
		nonEnglish[site] = true
	}

	return &Service{
		cfg:        cfg,
		src:        src,
		sink:       sink,
		st:         st,
		rules:      ruleLoader,
		glyphs:     glyphLoader,
		logger:     logger,
		fast:       fast,
		slow:       slow,
		nonEnglish: nonEnglish,
		showSite:   len(fast)+len(slow) > 1,
		cursors:    make(map[string]*store.Cursor),
	}
}

// Start transitions Stopped -> Running: loads or initializes cursors,
// loads the rule sets, starts the tick goroutine and the refresh cron.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	s.loadCursorsLocked(ctx)
	s.rules.Reload(ctx)
	if err := s.glyphs.Reload(ctx); err != nil {
		s.logger.Warn("patrol: homoglyph table load failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc(s.cfg.RefreshSchedule, func() { s.RefreshRules(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("patrol: refresh schedule %q: %w", s.cfg.RefreshSchedule, err)
	}
	s.cron.Start()

	go s.run(runCtx)

	s.running = true
	s.logger.Info("patrol: started",
		"fast_sites", len(s.fast), "slow_sites", len(s.slow),
		"poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop transitions Running -> Stopped: halts ticks, waits for the
// in-flight tick up to StopTimeout (then abandons it), and persists all
// cursors.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, done, cr := s.cancel, s.done, s.cron
	s.mu.Unlock()

	cr.Stop()
	cancel()

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("patrol: tick did not finish in time, abandoning it",
			"timeout", s.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	cursors := copyCursors(s.cursors)
	s.mu.Unlock()
	if err := s.st.SaveCursors(ctx, cursors); err != nil {
		s.logger.Error("patrol: persist cursors on stop", "error", err)
	}

	s.logger.Info("patrol: stopped")
	return nil
}

// RunOnce performs a single tick over every watched site, both tiers,
// without starting the scheduler. Used by the -once mode.
func (s *Service) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.loadCursorsLocked(ctx)
	s.mu.Unlock()

	s.rules.Reload(ctx)
	if err := s.glyphs.Reload(ctx); err != nil {
		s.logger.Warn("patrol: homoglyph table load failed", "error", err)
	}

	sites := append(slices.Clone(s.fast), s.slow...)
	s.tickSites(ctx, sites)
	return ctx.Err()
}

// RefreshRules reloads the remote rule lists and the homoglyph table.
// Safe to run concurrently with a tick; the checker reads an atomically
// swapped snapshot.
func (s *Service) RefreshRules(ctx context.Context) {
	s.rules.Reload(ctx)
	if err := s.glyphs.Reload(ctx); err != nil {
		s.logger.Warn("patrol: homoglyph table refresh failed", "error", err)
	}
}

// CheckUser inspects one account on demand and returns the reasons it
// would be flagged, without posting an alert or touching any cursor.
// The site must be on one of the watched lists.
func (s *Service) CheckUser(ctx context.Context, site string, id int64) ([]string, error) {
	if !slices.Contains(s.fast, site) && !slices.Contains(s.slow, site) {
		return nil, ErrUnknownSite
	}
	u, err := s.src.FetchUser(ctx, site, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return s.checker().Check(u, s.nonEnglish[site]), nil
}

// SiteStats is one site's cursor and counters as exposed by Stats.
type SiteStats struct {
	Site         string `json:"site"`
	WindowStart  int64  `json:"window_start"`
	WindowEnd    int64  `json:"window_end"`
	TotalSeen    int64  `json:"total_seen"`
	TotalFlagged int64  `json:"total_flagged"`
}

// Stats returns a snapshot of every site's counters plus the remaining
// request quota.
func (s *Service) Stats() ([]SiteStats, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SiteStats, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, SiteStats{
			Site:         c.Site,
			WindowStart:  c.WindowStart,
			WindowEnd:    c.WindowEnd,
			TotalSeen:    c.TotalSeen,
			TotalFlagged: c.TotalFlagged,
		})
	}
	slices.SortFunc(out, func(a, b SiteStats) int {
		return strings.Compare(a.Site, b.Site)
	})
	return out, s.src.Quota()
}

// run is the tick loop. The first tick fires immediately.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case ev := <-s.src.Rollovers():
			s.flushStatistics(ctx, ev.Current)
		}
	}
}

// tick runs one rotation step: the fast tier on ordinary ticks, the slow
// tier on every SlowEvery-th tick.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	slowTurn := len(s.slow) > 0 && s.ticks%s.cfg.SlowEvery == 0
	s.mu.Unlock()

	sites := s.fast
	if slowTurn {
		sites = s.slow
	}
	s.tickSites(ctx, sites)
}

func (s *Service) tickSites(ctx context.Context, sites []string) {
	for i, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			if err := sleepCtx(ctx, s.cfg.SiteDelay); err != nil {
				return
			}
		}
		s.checkSite(ctx, site)
	}
}

// checkSite advances one site's window, fetches it, classifies, filters,
// reports, and persists the cursor. On fetch error the cursor is restored
// so the same window is retried next tick.
func (s *Service) checkSite(ctx context.Context, site string) {
	now := time.Now().Unix()
	newEnd := now - int64(s.cfg.Offset/time.Second)

	s.mu.Lock()
	c, ok := s.cursors[site]
	if !ok {
		c = &store.Cursor{Site: site, WindowStart: newEnd, WindowEnd: newEnd}
		s.cursors[site] = c
	}
	prev := *c
	if newEnd <= c.WindowEnd {
		s.mu.Unlock()
		return
	}
	c.WindowStart = c.WindowEnd
	c.WindowEnd = newEnd
	from, to := c.WindowStart, c.WindowEnd
	s.mu.Unlock()

	started := time.Now()
	users, err := s.src.FetchUsersCreated(ctx, site, from, to)
	if err != nil {
		s.mu.Lock()
		*c = prev
		s.mu.Unlock()
		s.logger.Warn("patrol: fetch failed, window held for retry",
			"site", site, "from", from, "to", to, "error", err)
		s.logFetch(ctx, site, from, to, "error", 0, err, time.Since(started))
		return
	}

	checker := s.checker()
	exempt := s.nonEnglish[site]
	var findings []classify.Finding
	for i := range users {
		reasons := s.checkOne(checker, &users[i], exempt)
		if len(reasons) > 0 {
			findings = append(findings, classify.Finding{User: users[i], Reasons: reasons})
		}
	}
	findings = netcheck.Filter(ctx, s.src, findings, to, s.logger)

	for i := range findings {
		text := report.FormatAlert(&findings[i], s.showSite)
		if err := s.sink.Post(ctx, text); err != nil {
			s.logger.Error("patrol: alert lost",
				"site", site, "user", findings[i].User.UserID, "error", err)
		}
	}

	s.mu.Lock()
	c.TotalSeen += int64(len(users))
	c.TotalFlagged += int64(len(findings))
	snapshot := *c
	s.mu.Unlock()

	s.logFetch(ctx, site, from, to, "ok", len(users), nil, time.Since(started))
	if err := s.st.SaveCursor(ctx, &snapshot); err != nil {
		s.logger.Error("patrol: persist cursor", "site", site, "error", err)
	}

	s.logger.Info("patrol: site checked",
		"site", site, "accounts", len(users), "flagged", len(findings),
		"window_seconds", to-from, "quota", s.src.Quota())
}

// checkOne classifies a single account with panic isolation: one bad
// record must not abort the batch.
func (s *Service) checkOne(checker *classify.Checker, u *seapi.User, exempt bool) (reasons []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("patrol: classifier panic, skipping account",
				"site", u.Site, "user", u.UserID, "panic", r)
			reasons = nil
		}
	}()
	return checker.Check(u, exempt)
}

// flushStatistics posts the per-site counters and resets them. Triggered
// by a quota rollover, which marks the upstream's daily boundary.
func (s *Service) flushStatistics(ctx context.Context, quota int) {
	s.mu.Lock()
	cursors := copyCursors(s.cursors)
	for _, c := range s.cursors {
		c.TotalSeen = 0
		c.TotalFlagged = 0
	}
	s.mu.Unlock()

	if err := s.sink.Post(ctx, report.FormatStatistics(cursors, quota)); err != nil {
		s.logger.Error("patrol: statistics report lost", "error", err)
	}
	if err := s.st.ResetCounters(ctx); err != nil {
		s.logger.Error("patrol: reset persisted counters", "error", err)
	}
	s.logger.Info("patrol: statistics flushed on quota rollover", "quota", quota)
}

// checker builds a classifier over the current rule and homoglyph
// snapshots.
func (s *Service) checker() *classify.Checker {
	return &classify.Checker{
		Sets:  s.rules.Snapshot(),
		Canon: s.glyphs.Table(),
		Year:  time.Now().UTC().Year(),
	}
}

// loadCursorsLocked loads persisted cursors and creates fresh ones at
// "now minus offset" for sites without state. Persistence failure is not
// fatal; the service starts with fresh cursors.
func (s *Service) loadCursorsLocked(ctx context.Context) {
	loaded, err := s.st.LoadCursors(ctx)
	if err != nil {
		s.logger.Warn("patrol: cursor load failed, starting fresh", "error", err)
		loaded = nil
	}

	fresh := time.Now().Unix() - int64(s.cfg.Offset/time.Second)
	for _, site := range append(slices.Clone(s.fast), s.slow...) {
		if c, ok := loaded[site]; ok && c.WindowStart <= c.WindowEnd {
			s.cursors[site] = c
			continue
		}
		s.cursors[site] = &store.Cursor{Site: site, WindowStart: fresh, WindowEnd: fresh}
	}
}

func (s *Service) logFetch(ctx context.Context, site string, from, to int64, status string, count int, cause error, d time.Duration) {
	rec := &store.FetchRecord{
		Site:         site,
		WindowStart:  from,
		WindowEnd:    to,
		Status:       status,
		AccountCount: count,
		Duration:     d,
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := s.st.AppendFetchLog(ctx, rec); err != nil {
		s.logger.Warn("patrol: fetch log write failed", "site", site, "error", err)
	}
}

func copyCursors(in map[string]*store.Cursor) map[string]*store.Cursor {
	out := make(map[string]*store.Cursor, len(in))
	for site, c := range in {
		cc := *c
		out[site] = &cc
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
