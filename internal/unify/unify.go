package unify

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
)

// DefaultMinReviewCount is the smallest free-platform review sample a
// parent entry will absorb; below it a percentage is too noisy to
// publish.
const DefaultMinReviewCount = 10

// Entry is one unified game: a catalog entity, possibly merged with its
// demo/full counterpart and an absorbed free-platform listing, plus the
// videos that reference it. Entries are derived per run and never
// persisted.
type Entry struct {
	// Key is the stable primary key: the full game's id when a
	// demo/full pair exists, the listing URL for free-platform entries.
	Key string

	// Game is the active display record for catalog entries.
	Game *model.Game
	// Free is set for free-platform entries (absorbed or standalone).
	Free *model.FreeGame

	// DemoID and FullID carry both source ids of a merged pair so video
	// references to either side land on this entry.
	DemoID string
	FullID string

	// ParentKey is set on absorbed free-platform entries; their videos
	// belong to the parent.
	ParentKey string

	// VideoIDs are the ids of videos referencing this entry, sorted.
	VideoIDs []string
}

// Unifier builds the unified game set from the two stores and the
// known videos.
type Unifier struct {
	minReviewCount int
	log            logrus.FieldLogger
}

// New creates a unifier. minReviewCount <= 0 uses the default.
func New(minReviewCount int, log logrus.FieldLogger) *Unifier {
	if minReviewCount <= 0 {
		minReviewCount = DefaultMinReviewCount
	}
	return &Unifier{minReviewCount: minReviewCount, log: log}
}

// Unify produces the unified entry set. It is a pure function of its
// inputs: unifying the same state twice yields identical output.
func (u *Unifier) Unify(games map[string]model.Game, free map[string]model.FreeGame, videos map[string]model.Video) map[string]*Entry {
	games = u.resolveStubs(games)

	entries := make(map[string]*Entry)
	// refIndex maps "platform-specific id -> entry key" for video
	// aggregation.
	catalogIndex := make(map[string]string)

	handled := make(map[string]bool)

	// Demo/full pairs first, driven from the full-game side.
	ids := sortedGameIDs(games)
	for _, id := range ids {
		g := games[id]
		if !g.HasDemo || g.DemoID == "" {
			continue
		}
		demo, ok := games[g.DemoID]
		if !ok {
			// Missing counterpart: fall back to a standalone entry
			// below rather than failing the whole set.
			u.log.WithFields(logrus.Fields{"app_id": id, "demo_id": g.DemoID}).
				Warn("Demo referenced by catalog entry is missing, using full game alone")
			continue
		}
		merged := mergePair(demo, g)
		e := &Entry{Key: id, Game: &merged, DemoID: g.DemoID, FullID: id}
		entries[id] = e
		catalogIndex[id] = id
		catalogIndex[g.DemoID] = id
		handled[id] = true
		handled[g.DemoID] = true
	}

	// Demos whose full game is absent get a standalone fallback keyed
	// by the full game id they point at when possible.
	for _, id := range ids {
		g := games[id]
		if handled[id] {
			continue
		}
		if g.IsDemo && g.FullGameID != "" && g.FullGameID != id {
			if _, ok := games[g.FullGameID]; !ok {
				u.log.WithFields(logrus.Fields{"app_id": id, "full_game_id": g.FullGameID}).
					Warn("Full game referenced by demo is missing, using demo alone")
			}
		}
		cp := g
		e := &Entry{Key: id, Game: &cp}
		if g.IsDemo {
			e.DemoID = id
		}
		entries[id] = e
		catalogIndex[id] = id
		// The entity's recorded counterpart ids still route videos here
		// even when the counterpart itself is gone.
		if g.DemoID != "" {
			if _, taken := catalogIndex[g.DemoID]; !taken {
				catalogIndex[g.DemoID] = id
			}
		}
		if g.FullGameID != "" && g.FullGameID != id {
			if _, taken := catalogIndex[g.FullGameID]; !taken {
				catalogIndex[g.FullGameID] = id
			}
		}
		handled[id] = true
	}

	// Free-platform listings: absorbed into their parent when the link
	// is symmetric, standalone otherwise.
	absorbParent := make(map[string]string)
	freeIndex := make(map[string]string)
	for _, url := range sortedFreeURLs(free) {
		f := free[url]
		parentKey := u.absorptionParent(f, games, catalogIndex)
		cp := f
		e := &Entry{Key: url, Free: &cp, ParentKey: parentKey}
		entries[url] = e
		freeIndex[url] = url
		if parentKey != "" {
			absorbParent[url] = parentKey
			u.absorbReviews(entries[parentKey], f)
		}
	}

	u.aggregateVideos(entries, videos, absorbParent, catalogIndex, freeIndex)
	return entries
}

// resolveStubs replaces each stub with its resolution target's data in
// two passes: first collect every resolution target, then rewrite. A
// target already surfaced through a stub is dropped from the working
// set and remains addressable only via the stub's id.
func (u *Unifier) resolveStubs(games map[string]model.Game) map[string]model.Game {
	targets := make(map[string]bool)
	for _, g := range games {
		if g.IsStub && g.ResolvedTo != "" {
			targets[g.ResolvedTo] = true
		}
	}
	if len(targets) == 0 {
		return games
	}

	out := make(map[string]model.Game, len(games))
	for id, g := range games {
		if g.IsStub && g.ResolvedTo != "" {
			if resolved, ok := games[g.ResolvedTo]; ok {
				u.log.WithFields(logrus.Fields{"stub": id, "resolved_to": g.ResolvedTo}).
					Info("Resolved stub to live catalog entry")
				resolved.AppID = id
				out[id] = resolved
				continue
			}
		}
		if targets[id] {
			// Surfaced via its stub's id already.
			continue
		}
		out[id] = g
	}
	return out
}

// mergePair merges a demo and its full game into one display record.
// Released full games win outright; for unreleased full games the demo
// is what's actually playable, so its fields carry, overlaid with the
// full game's release state.
func mergePair(demo, full model.Game) model.Game {
	if !full.ComingSoon {
		out := full
		// The demo's free-platform links ride along as secondary
		// metadata, never overriding the full game's own links.
		if out.ItchURL == "" {
			out.ItchURL = demo.ItchURL
		}
		if out.CrazyGamesURL == "" {
			out.CrazyGamesURL = demo.CrazyGamesURL
		}
		return out
	}

	out := demo
	out.AppID = full.AppID
	out.Name = full.Name
	out.ComingSoon = full.ComingSoon
	out.ReleaseDate = full.ReleaseDate
	out.ReleaseGranularity = full.ReleaseGranularity
	out.IsDemo = false
	out.FullGameID = ""
	out.HasDemo = true
	out.DemoID = demo.AppID
	if full.ItchURL != "" {
		out.ItchURL = full.ItchURL
	}
	if full.CrazyGamesURL != "" {
		out.CrazyGamesURL = full.CrazyGamesURL
	}
	return out
}

// absorptionParent returns the unified key of the catalog entry that
// absorbs this free listing: the listing back-links a game that lists
// this same URL.
func (u *Unifier) absorptionParent(f model.FreeGame, games map[string]model.Game, catalogIndex map[string]string) string {
	if f.SteamURL == "" {
		return ""
	}
	appID := model.AppIDFromSteamURL(f.SteamURL)
	if appID == "" {
		return ""
	}
	g, ok := games[appID]
	if !ok || g.FreeURL(f.Platform) != f.URL {
		return ""
	}
	return catalogIndex[appID]
}

// absorbReviews copies the free listing's review stats onto a parent
// that has none of its own, provided the sample clears the minimum
// size. The summary tier is synthesized from the catalog thresholds and
// tagged inferred.
func (u *Unifier) absorbReviews(parent *Entry, f model.FreeGame) {
	if parent == nil || parent.Game == nil || f.Review == nil {
		return
	}
	if parent.Game.Review != nil && parent.Game.Review.Count > 0 {
		return
	}
	if f.Review.Count < u.minReviewCount {
		return
	}
	g := *parent.Game
	g.Review = &model.ReviewStats{
		Percent:  f.Review.Percent,
		Count:    f.Review.Count,
		Summary:  model.ReviewSummaryFor(f.Review.Percent, f.Review.Count),
		Inferred: true,
	}
	parent.Game = &g
}

// aggregateVideos attaches each video to the entry its references
// resolve to. Resolution order per reference: absorption parent by
// URL, then direct catalog id, then the id as a recorded demo or full
// id. Unresolvable references are dropped.
func (u *Unifier) aggregateVideos(entries map[string]*Entry, videos map[string]model.Video, absorbParent, catalogIndex, freeIndex map[string]string) {
	for _, vid := range sortedVideoIDs(videos) {
		v := videos[vid]
		seen := make(map[string]bool)
		for _, ref := range v.References() {
			key := ""
			switch ref.Platform {
			case model.PlatformSteam:
				key = catalogIndex[ref.ID]
			case model.PlatformItch, model.PlatformCrazyGames:
				if parent, ok := absorbParent[ref.ID]; ok {
					key = parent
				} else {
					key = freeIndex[ref.ID]
				}
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			e := entries[key]
			e.VideoIDs = append(e.VideoIDs, vid)
		}
	}
	for _, e := range entries {
		sort.Strings(e.VideoIDs)
	}
}

func sortedGameIDs(games map[string]model.Game) []string {
	ids := make([]string, 0, len(games))
	for id := range games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedFreeURLs(free map[string]model.FreeGame) []string {
	urls := make([]string, 0, len(free))
	for u := range free {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func sortedVideoIDs(videos map[string]model.Video) []string {
	ids := make([]string, 0, len(videos))
	for id := range videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
