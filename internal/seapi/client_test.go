package seapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		BaseURL:            srv.URL,
		PageSize:           2,
		MinRequestInterval: time.Millisecond,
		PageCooldown:       time.Millisecond,
		RetryDelay:         time.Millisecond,
		ViolationDelay:     time.Millisecond,
	}, WithHTTPClient(srv.Client()))
}

func TestFetchUsersCreated_FollowsPagination(t *testing.T) {
	// WHAT: has_more drives page fetches until the listing is exhausted.
	// WHY: A creation burst larger than one page must not lose accounts.
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages.Add(1)
		switch page {
		case "1":
			fmt.Fprint(w, `{"items":[{"user_id":1,"display_name":"a"},{"user_id":2,"display_name":"b"}],"has_more":true,"quota_remaining":9999}`)
		case "2":
			fmt.Fprint(w, `{"items":[{"user_id":3,"display_name":"c"}],"has_more":false,"quota_remaining":9998}`)
		default:
			t.Errorf("unexpected page %q", page)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	users, err := c.FetchUsersCreated(context.Background(), "example.com", 100, 200)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("users: got %d, want 3", len(users))
	}
	if pages.Load() != 2 {
		t.Errorf("pages fetched: got %d, want 2", pages.Load())
	}
	if users[0].Site != "example.com" {
		t.Errorf("site: got %q", users[0].Site)
	}
}

func TestFetchUsersCreated_WindowBoundsAreHalfOpen(t *testing.T) {
	// WHAT: A window (from, to] maps to inclusive from+1 and to parameters.
	// WHY: The upstream treats both bounds as inclusive; without the shift
	// an account created exactly at a boundary appears in two windows.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("fromdate"); got != "101" {
			t.Errorf("fromdate: got %q, want 101", got)
		}
		if got := q.Get("todate"); got != "200" {
			t.Errorf("todate: got %q, want 200", got)
		}
		fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":9999}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if _, err := c.FetchUsersCreated(context.Background(), "example.com", 100, 200); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}

func TestQuotaRollover_EmitsEvent(t *testing.T) {
	// WHAT: A quota value higher than the previous one emits a Rollover.
	// WHY: A rise only happens when the upstream replenishes the daily
	// budget, which is the statistics-flush trigger.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":5}`)
		default:
			fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":9999}`)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()
	if _, err := c.FetchUsersCreated(ctx, "example.com", 0, 1); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if got := c.Quota(); got != 5 {
		t.Fatalf("quota after first call: got %d, want 5", got)
	}
	if _, err := c.FetchUsersCreated(ctx, "example.com", 1, 2); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	select {
	case ev := <-c.Rollovers():
		if ev.Previous != 5 || ev.Current != 9999 {
			t.Errorf("rollover: got %+v", ev)
		}
	default:
		t.Fatal("expected a rollover event")
	}
}

func TestRequest_ObeysBackoffDirective(t *testing.T) {
	// WHAT: A backoff field delays the next request by at least that long.
	// WHY: Ignoring the directive gets the key throttled network-wide.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":9,"backoff":1}`)
			return
		}
		fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":8}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()
	start := time.Now()
	if _, err := c.FetchUsersCreated(ctx, "example.com", 0, 1); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("backoff not honoured: call returned after %v", elapsed)
	}
}

func TestRequest_RetriesAfterThrottleViolation(t *testing.T) {
	// WHAT: An HTTP 400 throttle_violation is retried after a delay.
	// WHY: The upstream sometimes claims a violation that never happened;
	// the condition clears on its own.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error_id":502,"error_name":"throttle_violation","error_message":"too many requests"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"user_id":7,"display_name":"x"}],"has_more":false,"quota_remaining":9}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	users, err := c.FetchUsersCreated(context.Background(), "example.com", 0, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(users) != 1 || users[0].UserID != 7 {
		t.Fatalf("users: got %+v", users)
	}
	if calls.Load() != 2 {
		t.Errorf("calls: got %d, want 2", calls.Load())
	}
}

func TestRequest_HardErrorOnOtherStatus(t *testing.T) {
	// WHAT: Non-throttle failure statuses surface as errors immediately.
	// WHY: The caller must hold its window and retry next tick, not spin.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error_id":500,"error_name":"internal_error"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if _, err := c.FetchUsersCreated(context.Background(), "example.com", 0, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetchUser_MissingAccountIsNilNil(t *testing.T) {
	// WHAT: Looking up a nonexistent account returns (nil, nil).
	// WHY: "Deleted since fetch" is an ordinary outcome, not a failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"has_more":false,"quota_remaining":9}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	u, err := c.FetchUser(context.Background(), "example.com", 42)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if u != nil {
		t.Fatalf("user: got %+v, want nil", u)
	}
}

func TestFetchNetworkAccounts_MergesByAccountID(t *testing.T) {
	// WHAT: Associated rows across pages merge into one map keyed by id.
	// WHY: The reputation filter needs each account's full site history.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "10;20") {
			t.Errorf("path: got %q, want joined ids", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"items":[{"account_id":10,"site_name":"Alpha","reputation":101},{"account_id":20,"site_name":"Alpha","reputation":1}],"has_more":true,"quota_remaining":9}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"account_id":10,"site_name":"Beta","reputation":55}],"has_more":false,"quota_remaining":8}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	got, err := c.FetchNetworkAccounts(context.Background(), []int64{10, 20})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got[10]) != 2 {
		t.Errorf("rows for 10: got %d, want 2", len(got[10]))
	}
	if len(got[20]) != 1 {
		t.Errorf("rows for 20: got %d, want 1", len(got[20]))
	}
}

func TestDecodeUsers_SkipsMalformedRecord(t *testing.T) {
	// WHAT: One malformed item is skipped; the rest of the page decodes.
	// WHY: A single odd record must not discard a whole page of accounts.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"user_id":"not-a-number"},{"user_id":2,"display_name":"T&amp;C"}],"has_more":false,"quota_remaining":9}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	users, err := c.FetchUsersCreated(context.Background(), "example.com", 0, 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users: got %d, want 1", len(users))
	}
	if users[0].DisplayName != "T&C" {
		t.Errorf("display name not entity-decoded: got %q", users[0].DisplayName)
	}
}
