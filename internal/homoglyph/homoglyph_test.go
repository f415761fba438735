package homoglyph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// table maps Cyrillic о (043E) and digit zero to Latin 'o', and Cyrillic
// а (0430) to Latin 'a'.
const testTable = `# comment line
6F,43E,30
61,430
`

func mustParse(t *testing.T, data string) *Table {
	t.Helper()
	tab, err := ParseTable(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parse table: %v", err)
	}
	return tab
}

func TestCanonicalize_ReplacesLookalikes(t *testing.T) {
	// WHAT: Confusable code points collapse to their class representative.
	// WHY: Spoofed names must compare equal to the strings they imitate.
	tab := mustParse(t, testTable)

	got := tab.Canonicalize("gооgle.cаm") // Cyrillic о and а
	if got != "google.cam" {
		t.Errorf("canonicalize: got %q, want %q", got, "google.cam")
	}
}

func TestCanonicalize_CaseFoldsBeforeLookup(t *testing.T) {
	// WHAT: A code point matches a class through its lower- or upper-cased form.
	// WHY: The table stores one case per class; input arrives in either.
	tab := mustParse(t, testTable)

	// Uppercase Cyrillic О (041E) lowercases to 043E, which is in the 'o' class.
	if got := tab.Canonicalize("О"); got != "o" {
		t.Errorf("canonicalize uppercase member: got %q, want %q", got, "o")
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	// WHAT: canonicalize(canonicalize(x)) == canonicalize(x).
	// WHY: The classifier may canonicalize a field more than once.
	tab := mustParse(t, testTable)

	inputs := []string{"gооgle", "plain ascii", "", "0аbc"}
	for _, in := range inputs {
		once := tab.Canonicalize(in)
		twice := tab.Canonicalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestCanonicalize_NilTableIsIdentity(t *testing.T) {
	// WHAT: A nil table canonicalizes to the identity.
	// WHY: Load failure must degrade to no-op, never to an error.
	var tab *Table
	if got := tab.Canonicalize("оabc"); got != "оabc" {
		t.Errorf("nil table: got %q, want input unchanged", got)
	}
}

func TestParseTable_SkipsMalformedItems(t *testing.T) {
	// WHAT: A bad hex item is dropped; the rest of the line survives.
	// WHY: The remote table is untrusted input.
	tab := mustParse(t, "6F,zz,43E\nnothex,61\n")

	if got := tab.Canonicalize("о"); got != "o" {
		t.Errorf("line with bad item: got %q, want %q", got, "o")
	}
	// Second line had a malformed representative, so the whole class is gone.
	if got := tab.Canonicalize("а"); got != "а" {
		t.Errorf("dropped class should leave input unchanged, got %q", got)
	}
}

func TestLoader_KeepsPreviousOnFailure(t *testing.T) {
	// WHAT: A failed reload keeps the previously loaded table.
	// WHY: A flaky upstream must not strip homoglyph support mid-run.
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(testTable))
	}))
	defer srv.Close()

	l := NewLoader(srv.URL)
	if err := l.Reload(context.Background()); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	fail = true
	if err := l.Reload(context.Background()); err == nil {
		t.Fatal("expected error from failed reload")
	}

	if got := l.Table().Canonicalize("о"); got != "o" {
		t.Errorf("previous table lost after failed reload: got %q", got)
	}
}
