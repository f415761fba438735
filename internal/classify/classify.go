// Package classify decides whether a freshly created account looks
// suspicious. The checker is a pure function over one account and an
// immutable rule snapshot, so results are deterministic and the caller can
// run it against historical accounts for inspection.
package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/hazyhaar/userwatch/internal/homoglyph"
	"github.com/hazyhaar/userwatch/internal/rules"
	"github.com/hazyhaar/userwatch/internal/seapi"
)

// Finding is one suspicious account together with why it was flagged.
type Finding struct {
	User    seapi.User
	Reasons []string
}

// Checker evaluates accounts against a fixed rule snapshot.
//
// Sets and Canon are read-only once assigned; a new snapshot means a new
// Checker value. Year is injected rather than read from the clock so that
// classification stays deterministic under test.
type Checker struct {
	Sets  *rules.Sets
	Canon *homoglyph.Table
	Year  int
}

// suspendedUntilLayout renders suspension end times for alert text.
const suspendedUntilLayout = "Jan 2 2006 at 15:04"

// Check returns the reasons the account looks suspicious, in stable
// evaluation order, or nil when it looks clean. exemptScript suppresses
// the non-Latin script checks for accounts from sites whose primary
// language is not English.
func (c *Checker) Check(u *seapi.User, exemptScript bool) []string {
	var reasons []string
	add := func(r string) { reasons = append(reasons, r) }

	name := strings.TrimSpace(u.DisplayName)
	location := strings.TrimSpace(u.Location)
	site := strings.TrimSpace(u.WebsiteURL)
	about := strings.TrimSpace(u.AboutMe)

	if u.TimedPenaltyDate != nil {
		add("suspended until " + formatSuspendedUntil(*u.TimedPenaltyDate))
	}

	if u.ProfileImage != "" && c.Sets.Avatar.Match(u.ProfileImage) {
		add("avatar on blacklist")
	}

	// The synthetic default name carries no signal of its own.
	if name != "" && name != "user"+strconv.FormatInt(u.UserID, 10) {
		if c.Sets.Name.Match(name) {
			add("username on blacklist")
		}
		if c.Sets.NameComm.Match(name) {
			add("username on community blacklist")
		}
		if c.Sets.OffensiveHi.Match(name) {
			add("username is very offensive")
		}
		if c.Sets.OffensiveMd.Match(name) {
			add("username is offensive")
		}
		if c.Sets.OffensiveLo.Match(name) {
			add("username is mildly offensive")
		}
		if c.Sets.Keyword.Match(name) {
			add("username contains blacklisted keyword")
		}
		if c.Sets.KeywordWatch.Match(name) {
			add("username contains watched keyword")
		}
		if strings.Contains(name, strconv.Itoa(c.Year)) {
			add("username contains current year")
		}
		if strings.Contains(name, strconv.Itoa(c.Year+1)) {
			add("username contains next year")
		}
		if c.Sets.URLPattern.Match(name) {
			add("username contains URL")
		}
		// Flag a foreign-script name only when the account shows some other
		// activity; a bare profile with nothing but a name is noise.
		hasAnyContent := location != "" || site != "" || about != ""
		if !exemptScript && hasAnyContent && hasNonLatin(name) {
			add("username contains non-Latin characters")
		}
	}

	if site != "" {
		if c.Sets.URL.Match(site) {
			add("URL on blacklist")
		}
		if c.Sets.URLComm.Match(site) {
			add("URL on community blacklist")
		}
		if c.Sets.Keyword.Match(site) {
			add("URL contains blacklisted keyword")
		}
		if c.Sets.KeywordWatch.Match(site) {
			add("URL contains watched keyword")
		}
		if !exemptScript && hasNonLatin(site) {
			add("URL contains non-Latin characters")
		}
		if name != "" {
			add(c.similarityReason(name, site))
		}
	}

	if location != "" {
		if c.Sets.OffensiveHi.Match(location) {
			add("location is very offensive")
		}
		if c.Sets.OffensiveMd.Match(location) {
			add("location is offensive")
		}
		if c.Sets.OffensiveLo.Match(location) {
			add("location is mildly offensive")
		}
		if c.Sets.Keyword.Match(location) {
			add("location contains blacklisted keyword")
		}
		if c.Sets.KeywordWatch.Match(location) {
			add("location contains watched keyword")
		}
		if c.Sets.URLPattern.Match(location) {
			add("location contains URL")
		}
	}

	if about != "" {
		if c.Sets.About.Match(about) {
			add(`"About Me" contains blacklisted pattern`)
		}
		if c.Sets.OffensiveHi.Match(about) {
			add(`"About Me" is very offensive`)
		}
		if c.Sets.OffensiveMd.Match(about) {
			add(`"About Me" is offensive`)
		}
		if c.Sets.OffensiveLo.Match(about) {
			add(`"About Me" is mildly offensive`)
		}
		if c.Sets.Keyword.Match(about) {
			add(`"About Me" contains blacklisted keyword`)
		}
		if c.Sets.KeywordWatch.Match(about) {
			add(`"About Me" contains watched keyword`)
		}
		if c.Sets.Phone.Match(about) {
			add(`"About Me" contains phone number`)
		}
		if c.Sets.Email.Match(about) {
			add(`"About Me" contains email`)
		}
		if c.Sets.URL.Match(about) {
			add(`"About Me" contains blacklisted URL`)
		}
		if c.Sets.URLComm.Match(about) {
			add(`"About Me" contains community-blacklisted URL`)
		}
		if containsAnchor(about) {
			add(`"About Me" contains a link`)
		} else if c.Sets.URLPattern.Match(about) {
			add(`"About Me" contains URL`)
		}
		if !exemptScript && hasNonLatin(about) {
			add(`"About Me" contains non-Latin characters`)
		}
	}

	return reasons
}

// similarityReason compares the homoglyph-canonicalized, space-stripped
// name and URL under three metrics and surfaces all of them. There is no
// threshold; the scores exist for human judgement, not for suppression.
func (c *Checker) similarityReason(name, url string) string {
	a := squash(c.Canon.Canonicalize(name))
	b := squash(c.Canon.Canonicalize(url))

	jw := strutil.Similarity(a, b, metrics.NewJaroWinkler())
	sd := strutil.Similarity(a, b, metrics.NewSorensenDice())
	nl := strutil.Similarity(a, b, metrics.NewLevenshtein())

	return fmt.Sprintf("URL similar to username [J-W: %.2f, S-D: %.2f, N-L: %.2f]", jw, sd, nl)
}

// formatSuspendedUntil renders the suspension end as a UTC timestamp
// rounded to the nearest minute. Thirty seconds or more rounds up.
func formatSuspendedUntil(unix int64) string {
	return time.Unix(unix, 0).UTC().Round(time.Minute).Format(suspendedUntilLayout)
}

// hasNonLatin reports whether any code point lies outside the Latin,
// Common, and Inherited scripts.
func hasNonLatin(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Latin, unicode.Common, unicode.Inherited) {
			continue
		}
		return true
	}
	return false
}

// containsAnchor reports whether the HTML fragment carries a real
// hyperlink. Falls back to a closing-tag scan when the fragment does not
// parse.
func containsAnchor(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Contains(strings.ToLower(html), "</a>")
	}
	return doc.Find("a[href]").Length() > 0
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
