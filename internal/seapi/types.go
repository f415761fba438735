package seapi

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
)

// User is one fetched account record. Immutable once constructed; owned by
// the tick that fetched it.
type User struct {
	Site string

	// AccountID is the network-wide account id. Nil for anonymous or
	// deleted accounts, which have no cross-site identity.
	AccountID *int64

	UserID           int64
	DisplayName      string
	ProfileImage     string
	Location         string
	WebsiteURL       string
	AboutMe          string
	CreationDate     int64
	TimedPenaltyDate *int64
	Link             string
}

// NetworkAccount is one row of cross-site history for an account.
// Used only transiently to decide suspicion; never persisted.
type NetworkAccount struct {
	AccountID      int64
	SiteName       string
	SiteURL        string
	UserType       string
	Reputation     int
	QuestionCount  int
	AnswerCount    int
	CreationDate   int64
	LastAccessDate int64
}

// PostCount is the account's combined question and answer count.
func (a NetworkAccount) PostCount() int {
	return a.QuestionCount + a.AnswerCount
}

// envelope is the common response wrapper: items plus paging, quota, and
// backoff bookkeeping, or an error triple on failure statuses.
type envelope struct {
	Items          json.RawMessage `json:"items"`
	HasMore        bool            `json:"has_more"`
	QuotaRemaining int             `json:"quota_remaining"`
	Backoff        int             `json:"backoff"`
	ErrorID        int             `json:"error_id"`
	ErrorName      string          `json:"error_name"`
	ErrorMessage   string          `json:"error_message"`
}

type wireUser struct {
	AccountID        *int64 `json:"account_id"`
	UserID           int64  `json:"user_id"`
	DisplayName      string `json:"display_name"`
	ProfileImage     string `json:"profile_image"`
	Location         string `json:"location"`
	WebsiteURL       string `json:"website_url"`
	AboutMe          string `json:"about_me"`
	CreationDate     int64  `json:"creation_date"`
	TimedPenaltyDate *int64 `json:"timed_penalty_date"`
	Link             string `json:"link"`
}

type wireNetworkAccount struct {
	AccountID      int64  `json:"account_id"`
	SiteName       string `json:"site_name"`
	SiteURL        string `json:"site_url"`
	UserType       string `json:"user_type"`
	Reputation     int    `json:"reputation"`
	QuestionCount  int    `json:"question_count"`
	AnswerCount    int    `json:"answer_count"`
	CreationDate   int64  `json:"creation_date"`
	LastAccessDate int64  `json:"last_access_date"`
}

// decodeUsers decodes an items array element by element so one malformed
// record is skipped instead of failing the batch.
func decodeUsers(items json.RawMessage, site string, logger *slog.Logger) ([]User, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(items, &raw); err != nil {
		return nil, fmt.Errorf("seapi: decode items: %w", err)
	}
	users := make([]User, 0, len(raw))
	for _, r := range raw {
		var w wireUser
		if err := json.Unmarshal(r, &w); err != nil {
			logger.Warn("seapi: skipping malformed account record", "site", site, "error", err)
			continue
		}
		users = append(users, User{
			Site:      site,
			AccountID: w.AccountID,
			UserID:    w.UserID,
			// Upstream entity-encodes user-supplied text fields.
			DisplayName:      html.UnescapeString(w.DisplayName),
			ProfileImage:     w.ProfileImage,
			Location:         html.UnescapeString(w.Location),
			WebsiteURL:       w.WebsiteURL,
			AboutMe:          w.AboutMe,
			CreationDate:     w.CreationDate,
			TimedPenaltyDate: w.TimedPenaltyDate,
			Link:             w.Link,
		})
	}
	return users, nil
}

func decodeNetworkAccounts(items json.RawMessage, logger *slog.Logger) ([]NetworkAccount, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(items, &raw); err != nil {
		return nil, fmt.Errorf("seapi: decode items: %w", err)
	}
	accounts := make([]NetworkAccount, 0, len(raw))
	for _, r := range raw {
		var w wireNetworkAccount
		if err := json.Unmarshal(r, &w); err != nil {
			logger.Warn("seapi: skipping malformed network account row", "error", err)
			continue
		}
		accounts = append(accounts, NetworkAccount{
			AccountID:      w.AccountID,
			SiteName:       html.UnescapeString(w.SiteName),
			SiteURL:        w.SiteURL,
			UserType:       w.UserType,
			Reputation:     w.Reputation,
			QuestionCount:  w.QuestionCount,
			AnswerCount:    w.AnswerCount,
			CreationDate:   w.CreationDate,
			LastAccessDate: w.LastAccessDate,
		})
	}
	return accounts, nil
}
