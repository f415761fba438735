package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompile_FindSemantics(t *testing.T) {
	// WHAT: Patterns match anywhere in free text, case-insensitively.
	// WHY: Full-string matching would never fire on multi-sentence fields.
	set := Compile("test", []string{`buy \w+ online`}, nil)

	if !set.Match("Hello! BUY PILLS ONLINE today") {
		t.Error("expected substring match in free text")
	}
	if set.Match("nothing to see here") {
		t.Error("unexpected match")
	}
}

func TestCompile_StripsCommentGroups(t *testing.T) {
	// WHAT: Embedded (?#...) comment groups are removed before compiling.
	// WHY: The regexp dialect rejects them; upstream lists carry them anyway.
	set := Compile("test", []string{`spam(?#seen 2024-01)`}, nil)

	if set.Len() != 1 {
		t.Fatalf("entries: got %d, want 1", set.Len())
	}
	if !set.Match("this is SPAM") {
		t.Error("pattern with comment group should still match")
	}
}

func TestCompile_LiteralFastPath(t *testing.T) {
	// WHAT: Metacharacter-free lines become Aho-Corasick literals.
	// WHY: Keyword lists are mostly literals; one multi-pattern scan is
	// cheaper than hundreds of regexp runs per field.
	set := Compile("test", []string{"cheapviagra", "freebitcoin"}, nil)

	if set.nliteral != 2 {
		t.Fatalf("literals: got %d, want 2", set.nliteral)
	}
	if len(set.patterns) != 0 {
		t.Fatalf("patterns: got %d, want 0", len(set.patterns))
	}
	if !set.Match("get FreeBitcoin now") {
		t.Error("literal should match case-insensitively")
	}
}

func TestCompile_DropsBadPatternKeepsRest(t *testing.T) {
	// WHAT: An uncompilable pattern is dropped; the rest of the list loads.
	// WHY: One bad upstream line must never abort the whole set.
	set := Compile("test", []string{`valid\d+`, `broken(`, `also-valid`}, nil)

	if set.Len() != 2 {
		t.Fatalf("entries: got %d, want 2", set.Len())
	}
	if !set.Match("valid123") || !set.Match("xx also-valid xx") {
		t.Error("surviving patterns should match")
	}
}

func TestCompile_RewritesLookbehindQuantifiers(t *testing.T) {
	// WHAT: The unbounded-look-behind rewrite produces the bounded form.
	// WHY: Community lists use variable-length look-behinds that no regexp
	// engine with fixed-width look-behind (or none) accepts as-is.
	got := lookbehindStarRe.ReplaceAllString(`(?<=foo.*)bar(baz)`, "$1{0,40}$2")
	want := `(?<=foo.{0,40})bar(baz)`
	if got != want {
		t.Errorf("star rewrite: got %q, want %q", got, want)
	}

	got = lookbehindPlusRe.ReplaceAllString(`(?<=\w++)tail(x)`, "$1{1,40}$2")
	want = `(?<=\w{1,40})tail(x)`
	if got != want {
		t.Errorf("plus rewrite: got %q, want %q", got, want)
	}
}

func TestLoader_KeepsPreviousListOnFetchFailure(t *testing.T) {
	// WHAT: A list whose fetch fails keeps its previous compilation.
	// WHY: A flaky upstream must degrade to stale patterns, not none.
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("# header comment\nspamword\n\n"))
	}))
	defer srv.Close()

	src := Sources{}
	src.defaults()
	src.Name = srv.URL

	l := NewLoader(src, WithHTTPClient(srv.Client()))
	// Point every other list at the same server so the test stays hermetic.
	l.sources = Sources{
		OffensiveHigh: srv.URL, OffensiveMedium: srv.URL, OffensiveLow: srv.URL,
		Name: srv.URL, NameCommunity: srv.URL, URLBlacklist: srv.URL,
		URLCommunity: srv.URL, Keyword: srv.URL, KeywordWatchlist: srv.URL,
		About: srv.URL, Avatar: srv.URL, Phone: srv.URL, Email: srv.URL,
		URLPattern: srv.URL,
	}

	l.Reload(context.Background())
	if !l.Snapshot().Name.Match("SPAMWORD") {
		t.Fatal("first load should match")
	}

	fail = true
	l.Reload(context.Background())
	if !l.Snapshot().Name.Match("SPAMWORD") {
		t.Error("failed reload should keep the previous list")
	}
}

func TestLoader_SnapshotNeverNil(t *testing.T) {
	// WHAT: Snapshot returns empty sets before any load.
	// WHY: The classifier must be callable during startup.
	l := NewLoader(Sources{})
	s := l.Snapshot()
	if s == nil {
		t.Fatal("snapshot is nil")
	}
	if s.Name.Match("anything") {
		t.Error("empty set should match nothing")
	}
}

func TestFetchLines_WatchlistThirdField(t *testing.T) {
	// WHAT: Tab-separated watchlist rows yield the third field as pattern.
	// WHY: The watchlist format is "timestamp<TAB>author<TAB>pattern".
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1600000000\tsomeone\tbadword\nshort-row\n"))
	}))
	defer srv.Close()

	l := NewLoader(Sources{}, WithHTTPClient(srv.Client()))
	exprs, err := l.fetchLines(context.Background(), srv.URL, true)
	if err != nil {
		t.Fatalf("fetch lines: %v", err)
	}
	if len(exprs) != 1 || exprs[0] != "badword" {
		t.Errorf("exprs: got %v, want [badword]", exprs)
	}
}
