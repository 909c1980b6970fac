package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Platform tags for game references and free-platform listings.
const (
	PlatformSteam      = "steam"
	PlatformItch       = "itch"
	PlatformCrazyGames = "crazygames"
)

// IsDemoLikePlatform reports whether a secondary platform's listings
// are treated like demos by the cross-platform precedence rules.
func IsDemoLikePlatform(platform string) bool {
	return platform == PlatformItch
}

// Granularity describes how precise a release date is.
type Granularity string

const (
	GranularityDay     Granularity = "day"
	GranularityMonth   Granularity = "month"
	GranularityQuarter Granularity = "quarter"
	GranularityYear    Granularity = "year"
)

// ReviewStats holds aggregate review data for a listing.
type ReviewStats struct {
	Percent       int    `json:"percent,omitempty"`
	Count         int    `json:"count,omitempty"`
	Summary       string `json:"summary,omitempty"`
	RecentPercent int    `json:"recent_percent,omitempty"`
	RecentCount   int    `json:"recent_count,omitempty"`
	RecentSummary string `json:"recent_summary,omitempty"`
	Inferred      bool   `json:"inferred,omitempty"`
}

// Game is a catalog (Steam) listing. Games are treated as immutable
// values: updates go through the With* helpers, which return a modified
// copy and leave the original intact for transaction discard.
type Game struct {
	AppID              string      `json:"app_id"`
	Name               string      `json:"name,omitempty"`
	ComingSoon         bool        `json:"coming_soon,omitempty"`
	ReleaseDate        string      `json:"release_date,omitempty"`
	ReleaseGranularity Granularity `json:"release_granularity,omitempty"`

	// Prices maps ISO currency code to price in minor units. A nil map
	// means pricing is unknown, an empty map means free.
	Prices map[string]int64 `json:"prices,omitempty"`

	Review *ReviewStats `json:"review,omitempty"`

	Tags       []string `json:"tags,omitempty"`
	Genres     []string `json:"genres,omitempty"`
	Developers []string `json:"developers,omitempty"`
	Publishers []string `json:"publishers,omitempty"`

	// Demo relationship: IsDemo/FullGameID on the demo side, mutually
	// exclusive with HasDemo/DemoID on the full-game side.
	IsDemo     bool   `json:"is_demo,omitempty"`
	FullGameID string `json:"full_game_id,omitempty"`
	HasDemo    bool   `json:"has_demo,omitempty"`
	DemoID     string `json:"demo_id,omitempty"`

	// Stub state for listings that are gone from the platform but still
	// referenced by videos.
	IsStub     bool   `json:"is_stub,omitempty"`
	StubReason string `json:"stub_reason,omitempty"`
	ResolvedTo string `json:"resolved_to,omitempty"`

	ItchURL       string `json:"itch_url,omitempty"`
	CrazyGamesURL string `json:"crazygames_url,omitempty"`

	NeedsFullRefresh bool `json:"needs_full_refresh,omitempty"`
	RemovalPending   bool `json:"removal_pending,omitempty"`
	RemovalDetected  bool `json:"removal_detected,omitempty"`

	LastUpdated time.Time `json:"last_updated,omitzero"`
}

// FreeGame is a free-platform (itch, CrazyGames) listing, identified by
// its canonical URL.
type FreeGame struct {
	URL      string       `json:"url"`
	Platform string       `json:"platform"`
	Name     string       `json:"name,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	Review   *ReviewStats `json:"review,omitempty"`

	// SteamURL is the back-link to the catalog listing, maintained
	// symmetrically with the Game's platform URL field.
	SteamURL string `json:"steam_url,omitempty"`

	IsStub     bool   `json:"is_stub,omitempty"`
	StubReason string `json:"stub_reason,omitempty"`
	ResolvedTo string `json:"resolved_to,omitempty"`

	LastUpdated time.Time `json:"last_updated,omitzero"`
}

// MaxRefsPerVideo bounds how many game references a single video may
// carry, so a pathological description cannot blow up aggregation.
const MaxRefsPerVideo = 10

// GameReference points a video at a game on some platform.
type GameReference struct {
	Platform string `json:"platform"`
	// ID is the platform-specific identity: app id for steam, canonical
	// URL for the free platforms.
	ID       string `json:"id"`
	Inferred bool   `json:"inferred,omitempty"`
	Detected bool   `json:"detected,omitempty"`
}

// Video is a discovered video and the games its description references.
type Video struct {
	ID          string          `json:"video_id"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Published   time.Time       `json:"published,omitzero"`
	Refs        []GameReference `json:"refs,omitempty"`

	// LegacyAppID is the pre-multi-reference format: a single steam app
	// id directly on the video. Readers go through References.
	LegacyAppID string `json:"app_id,omitempty"`
}

// References returns the video's game references, synthesizing a
// one-element list from the legacy single-reference format and applying
// the per-video cap.
func (v Video) References() []GameReference {
	refs := v.Refs
	if len(refs) == 0 && v.LegacyAppID != "" {
		refs = []GameReference{{Platform: PlatformSteam, ID: v.LegacyAppID}}
	}
	if len(refs) > MaxRefsPerVideo {
		refs = refs[:MaxRefsPerVideo]
	}
	return refs
}

// SteamStoreURLPrefix is the canonical prefix for catalog store pages.
const SteamStoreURLPrefix = "https://store.steampowered.com/app/"

// SteamAppURL builds the canonical store URL for an app id.
func SteamAppURL(appID string) string {
	return SteamStoreURLPrefix + appID
}

// AppIDFromSteamURL extracts the app id from a canonical store URL.
// Returns "" when the URL is not a store app URL.
func AppIDFromSteamURL(u string) string {
	rest, ok := strings.CutPrefix(u, SteamStoreURLPrefix)
	if !ok {
		return ""
	}
	rest = strings.TrimSuffix(rest, "/")
	if id, _, found := strings.Cut(rest, "/"); found {
		rest = id
	}
	if rest == "" || !IsNumericID(rest) {
		return ""
	}
	return rest
}

// IsNumericID reports whether s is a plain decimal catalog id.
func IsNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FreeURL returns the game's cross-platform link for the given
// secondary platform, or "" for an unknown platform.
func (g Game) FreeURL(platform string) string {
	switch platform {
	case PlatformItch:
		return g.ItchURL
	case PlatformCrazyGames:
		return g.CrazyGamesURL
	}
	return ""
}

// WithFreeURL returns a copy with the cross-platform link for the given
// platform set (or cleared, with url == "").
func (g Game) WithFreeURL(platform, url string) Game {
	switch platform {
	case PlatformItch:
		g.ItchURL = url
	case PlatformCrazyGames:
		g.CrazyGamesURL = url
	}
	return g
}

// WithLastUpdated returns a copy stamped with the given fetch time.
func (g Game) WithLastUpdated(t time.Time) Game {
	g.LastUpdated = t
	return g
}

// WithFullRefresh returns a copy with the forced-refresh flag set.
func (g Game) WithFullRefresh(v bool) Game {
	g.NeedsFullRefresh = v
	return g
}

// WithStub returns a copy converted to a stub with the given reason.
func (g Game) WithStub(reason string) Game {
	g.IsStub = true
	g.StubReason = reason
	return g
}

// WithSteamURL returns a copy of the free listing with its back-link set
// or cleared.
func (f FreeGame) WithSteamURL(url string) FreeGame {
	f.SteamURL = url
	return f
}

// EarliestRelease parses the release date into the earliest instant the
// game could be released at that granularity: first day of the quarter,
// Jan 1 for year-only, the 1st for month-only. ok is false when the
// date is absent or unparseable.
func (g Game) EarliestRelease() (time.Time, bool) {
	return earliestRelease(g.ReleaseDate, g.ReleaseGranularity)
}

func earliestRelease(date string, gran Granularity) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, false
	}
	switch gran {
	case GranularityDay:
		t, err := time.Parse("2006-01-02", date)
		return t, err == nil
	case GranularityMonth:
		t, err := time.Parse("2006-01", date)
		return t, err == nil
	case GranularityQuarter:
		return parseQuarter(date)
	case GranularityYear:
		t, err := time.Parse("2006", date)
		return t, err == nil
	}
	// Granularity missing on old documents: try day then year.
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006", date); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// parseQuarter handles "Q1 2027" style dates.
func parseQuarter(date string) (time.Time, bool) {
	fields := strings.Fields(strings.ToUpper(date))
	if len(fields) != 2 {
		return time.Time{}, false
	}
	q := fields[0]
	if len(q) != 2 || q[0] != 'Q' || q[1] < '1' || q[1] > '4' {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(fields[1])
	if err != nil || year < 1970 || year > 9999 {
		return time.Time{}, false
	}
	month := time.Month((int(q[1]-'1') * 3) + 1)
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), true
}

// ReviewSummaryFor maps a review percentage and sample size onto the
// catalog platform's summary tiers. Used both for display and for
// synthesizing an inferred summary from absorbed free-platform reviews.
func ReviewSummaryFor(percent, count int) string {
	switch {
	case count >= 500 && percent >= 95:
		return "Overwhelmingly Positive"
	case count >= 50 && percent >= 80:
		return "Very Positive"
	case percent >= 80:
		return "Positive"
	case percent >= 70:
		return "Mostly Positive"
	case percent >= 40:
		return "Mixed"
	case count >= 500 && percent < 20:
		return "Overwhelmingly Negative"
	case count >= 50 && percent < 20:
		return "Very Negative"
	case percent >= 20:
		return "Mostly Negative"
	default:
		return "Negative"
	}
}

// MergeFetched folds a freshly fetched record into the stored one.
// Scraped fields are replaced wholesale; relationship and bookkeeping
// fields are carried selectively so reconciliation state survives a
// refresh. Every field's winner is an explicit rule here, not a map
// merge.
func MergeFetched(stored, fetched Game) Game {
	out := fetched
	out.AppID = stored.AppID

	// A fetched record reflects the live page; clear any stale stub
	// state and the forced-refresh flag it just satisfied.
	out.IsStub = false
	out.StubReason = ""
	out.ResolvedTo = ""
	out.NeedsFullRefresh = false
	out.RemovalPending = false
	out.RemovalDetected = false

	// Cross-platform links are owned by the matcher, not the fetcher.
	if out.ItchURL == "" {
		out.ItchURL = stored.ItchURL
	}
	if out.CrazyGamesURL == "" {
		out.CrazyGamesURL = stored.CrazyGamesURL
	}

	// Demo relationships only move forward: a fetch that lost sight of
	// the counterpart keeps the stored pointer until repair decides
	// otherwise.
	if !out.HasDemo && !out.IsDemo && (stored.HasDemo || stored.IsDemo) {
		out.HasDemo = stored.HasDemo
		out.DemoID = stored.DemoID
		out.IsDemo = stored.IsDemo
		out.FullGameID = stored.FullGameID
	}

	return out
}

// MergeFetchedFree folds a fetched free-platform record into the stored
// one. The steam back-link is matcher-owned and preserved.
func MergeFetchedFree(stored, fetched FreeGame) FreeGame {
	out := fetched
	out.URL = stored.URL
	if out.Platform == "" {
		out.Platform = stored.Platform
	}
	out.IsStub = false
	out.StubReason = ""
	out.ResolvedTo = ""
	if out.SteamURL == "" {
		out.SteamURL = stored.SteamURL
	}
	return out
}

func (g Game) String() string {
	return fmt.Sprintf("%s (%s)", g.Name, g.AppID)
}
