package report

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/userwatch/internal/classify"
	"github.com/hazyhaar/userwatch/internal/seapi"
	"github.com/hazyhaar/userwatch/internal/store"
)

func TestFormatAlert_BasicShape(t *testing.T) {
	// WHAT: An alert carries the prefix, a profile link, the site marker,
	// and the reason list.
	// WHY: Reviewers parse these messages at a glance; the shape is the
	// contract.
	f := &classify.Finding{
		User: seapi.User{
			Site:        "example.com",
			UserID:      7,
			DisplayName: "Spam Lord",
			Link:        "https://example.com/users/7/spam-lord",
		},
		Reasons: []string{"username on blacklist", "location is offensive"},
	}

	got := FormatAlert(f, true)
	want := "[ [User Watch](https://github.com/hazyhaar/userwatch) ] " +
		`[Spam Lord](https://example.com/users/7/spam-lord?tab=profile "Spam Lord") ` +
		"on **`example.com`** (username on blacklist; location is offensive)"
	if got != want {
		t.Errorf("alert:\n got %q\nwant %q", got, want)
	}
}

func TestFormatAlert_SuspendedNameItalicized(t *testing.T) {
	// WHAT: A suspended account's name renders between asterisks.
	// WHY: Suspension is the strongest signal and must stand out.
	until := int64(1_800_000_000)
	f := &classify.Finding{
		User:    seapi.User{DisplayName: "badguy", Link: "https://x.test/u/1", TimedPenaltyDate: &until},
		Reasons: []string{"suspended until Jan 15 2027 at 08:00"},
	}

	got := FormatAlert(f, false)
	if !strings.Contains(got, "[*badguy*](") {
		t.Errorf("suspended name not italicized: %q", got)
	}
}

func TestFormatAlert_EscapesMarkdownInName(t *testing.T) {
	// WHAT: Markdown metacharacters in a display name are escaped.
	// WHY: A crafted name must not break or forge the alert's own markup.
	f := &classify.Finding{
		User:    seapi.User{DisplayName: "evil[x]*_`", Link: "https://x.test/u/2"},
		Reasons: []string{"username on blacklist"},
	}

	got := FormatAlert(f, false)
	if !strings.Contains(got, "[evil\\[x\\]\\*\\_\\`](") {
		t.Errorf("name not escaped: %q", got)
	}
}

func TestFormatAlert_AboutExcerptOnlyForAboutReasons(t *testing.T) {
	// WHAT: The quoted about-me excerpt appears only when an about-me
	// reason fired, and is stripped to plain text.
	// WHY: Pasting raw spam HTML into chat would amplify the spam.
	f := &classify.Finding{
		User: seapi.User{
			DisplayName: "seller",
			Link:        "https://x.test/u/3",
			AboutMe:     `<p>Buy <b>cheap</b> pills at <a href="http://p.test">my shop</a></p>`,
		},
		Reasons: []string{`"About Me" contains a link`},
	}

	got := FormatAlert(f, false)
	if !strings.Contains(got, "\n> Buy cheap pills at my shop") {
		t.Errorf("excerpt missing or not plain text: %q", got)
	}

	f.Reasons = []string{"username on blacklist"}
	if got := FormatAlert(f, false); strings.Contains(got, "\n>") {
		t.Errorf("excerpt present without about-me reason: %q", got)
	}
}

func TestFormatStatistics_StableOrderAndTotals(t *testing.T) {
	// WHAT: Statistics list sites alphabetically and sum the counters.
	// WHY: The flush is compared across days; ordering must not wander.
	cursors := map[string]*store.Cursor{
		"b.example": {Site: "b.example", TotalSeen: 5, TotalFlagged: 1},
		"a.example": {Site: "a.example", TotalSeen: 10, TotalFlagged: 3},
	}

	got := FormatStatistics(cursors, 4242)
	wantOrder := strings.Index(got, "a.example") < strings.Index(got, "b.example")
	if !wantOrder {
		t.Errorf("sites not sorted: %q", got)
	}
	if !strings.Contains(got, "total: 15 seen, 4 flagged; quota remaining: 4242") {
		t.Errorf("totals wrong: %q", got)
	}
}

func TestWebhookSink_RetriesThenSucceeds(t *testing.T) {
	// WHAT: A failing webhook is retried and eventually delivers.
	// WHY: Alert loss is the worst failure mode this package has.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithRetries(3), WithHTTPClient(srv.Client()))
	if err := sink.Post(context.Background(), "hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestWebhookSink_GivesUpAfterRetries(t *testing.T) {
	// WHAT: Exhausted retries surface as an error.
	// WHY: The caller logs the loss; silent drops hide broken webhooks.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithRetries(0), WithHTTPClient(srv.Client()))
	if err := sink.Post(context.Background(), "hello"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestWriterSink_OneLinePerMessage(t *testing.T) {
	// WHAT: The writer sink appends a newline per message.
	// WHY: Stdout operation is line-oriented for grep and journald.
	var buf bytes.Buffer
	sink := &WriterSink{W: &buf}

	if err := sink.Post(context.Background(), "first"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := buf.String(); got != "first\n" {
		t.Errorf("output: got %q", got)
	}
}
