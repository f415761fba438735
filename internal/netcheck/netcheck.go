// Package netcheck suppresses false positives by cross-site reputation.
// An account that is established elsewhere on the network is almost never
// the throwaway the classifier thinks it is.
package netcheck

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/userwatch/internal/classify"
	"github.com/hazyhaar/userwatch/internal/seapi"
)

// Source looks up cross-site history rows for network account ids.
type Source interface {
	FetchNetworkAccounts(ctx context.Context, ids []int64) (map[int64][]seapi.NetworkAccount, error)
}

// minReputation is the floor below which no site counts as established.
const minReputation = 30

// minAccountAge is how long before the window end a counting site account
// must have existed, in seconds.
const minAccountAge = 7 * 24 * 60 * 60

// Filter returns the findings that survive the reputation check. A finding
// is cleared when any of its account's network rows shows good standing as
// of windowEnd. Findings without a network identity, with no fetchable
// rows, or whose batch lookup failed are all kept: suppression requires
// positive evidence, absence of evidence keeps the alert.
func Filter(ctx context.Context, src Source, findings []classify.Finding, windowEnd int64, logger *slog.Logger) []classify.Finding {
	if logger == nil {
		logger = slog.Default()
	}
	if len(findings) == 0 {
		return findings
	}

	var ids []int64
	seen := make(map[int64]struct{})
	for _, f := range findings {
		if f.User.AccountID == nil {
			continue
		}
		if _, ok := seen[*f.User.AccountID]; ok {
			continue
		}
		seen[*f.User.AccountID] = struct{}{}
		ids = append(ids, *f.User.AccountID)
	}
	if len(ids) == 0 {
		return findings
	}

	rows, err := src.FetchNetworkAccounts(ctx, ids)
	if err != nil {
		logger.Warn("netcheck: reputation lookup failed, keeping all findings",
			"accounts", len(ids), "error", err)
		return findings
	}

	kept := make([]classify.Finding, 0, len(findings))
	for _, f := range findings {
		if f.User.AccountID != nil && anyGoodStanding(rows[*f.User.AccountID], windowEnd) {
			logger.Info("netcheck: cleared by network reputation",
				"site", f.User.Site, "user", f.User.UserID, "account", *f.User.AccountID)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// anyGoodStanding reports whether any row qualifies the account as
// established: a moderator anywhere, or an ordinary account with enough
// reputation, enough age relative to windowEnd, and at least one post.
func anyGoodStanding(rows []seapi.NetworkAccount, windowEnd int64) bool {
	for _, row := range rows {
		if row.UserType == "moderator" {
			return true
		}
		if row.UserType != "registered" && row.UserType != "team_admin" {
			continue
		}
		if row.Reputation >= minReputation &&
			row.CreationDate < windowEnd-minAccountAge &&
			row.PostCount() >= 1 {
			return true
		}
	}
	return false
}
