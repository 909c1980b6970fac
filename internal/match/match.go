package match

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
)

// qualifiers are trailing phrases stripped before comparing names, in
// both bare and parenthesized form: "Foo Demo" and "Foo (Demo)" both
// normalize to "foo".
var qualifiers = []string{
	"demo",
	"prototype",
	"early access",
	"alpha",
	"beta",
	"prologue",
}

// Normalize lowercases, strips trailing qualifier phrases, drops
// punctuation and collapses whitespace. Two names match only on exact
// normalized equality; fuzzy scoring belongs to the inference layer,
// not reconciliation.
func Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))

	for changed := true; changed; {
		changed = false
		for _, q := range qualifiers {
			for _, suffix := range []string{" (" + q + ")", " " + q} {
				if strings.HasSuffix(s, suffix) {
					s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
					changed = true
				}
			}
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '-' || r == '_':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation: dropped
		}
	}
	return strings.TrimSpace(b.String())
}

// Candidate is one potential catalog<->free-platform link.
type Candidate struct {
	AppID    string
	FreeURL  string
	Platform string
}

// Link is an existing catalog<->free-platform link.
type Link struct {
	AppID    string
	FreeURL  string
	Platform string
}

// Result holds one matcher pass over the two stores.
type Result struct {
	Approved  []Candidate
	Denied    []Candidate
	Retracted []Link
}

// Matcher auto-links same-game records across the catalog and the free
// platforms by exact normalized-name equality.
type Matcher struct {
	log logrus.FieldLogger
}

// New creates a matcher.
func New(log logrus.FieldLogger) *Matcher {
	return &Matcher{log: log}
}

// Match computes approvals, denials and retractions without mutating
// either store. Running Match again after Apply on unchanged input
// yields an empty result.
func (m *Matcher) Match(games map[string]model.Game, free map[string]model.FreeGame) Result {
	byName := make(map[string][]string)
	for id, g := range games {
		if g.IsStub || g.Name == "" {
			continue
		}
		n := Normalize(g.Name)
		if n == "" {
			continue
		}
		byName[n] = append(byName[n], id)
	}
	for _, ids := range byName {
		sort.Strings(ids)
	}

	var result Result
	freeURLs := make([]string, 0, len(free))
	for u := range free {
		freeURLs = append(freeURLs, u)
	}
	sort.Strings(freeURLs)

	for _, u := range freeURLs {
		f := free[u]
		if f.IsStub || f.SteamURL != "" || f.Name == "" {
			continue
		}
		n := Normalize(f.Name)
		if n == "" {
			continue
		}
		approved := false
		for _, appID := range byName[n] {
			g := games[appID]
			c := Candidate{AppID: appID, FreeURL: u, Platform: f.Platform}
			switch {
			case g.FreeURL(f.Platform) != "":
				// Already linked on this platform; no duplicate links.
			case model.IsDemoLikePlatform(f.Platform) && (g.HasDemo || g.IsDemo):
				// The catalog's own demo takes precedence over a
				// demo-like listing, whichever side of the pair this is.
				result.Denied = append(result.Denied, c)
			case approved:
				// One link per listing; further same-name catalog ids
				// are left for manual review.
			default:
				result.Approved = append(result.Approved, c)
				approved = true
			}
		}
	}

	// Retract demo-like links that predate the discovery of a demo/full
	// pair on the catalog side: the precedence rule would deny them now.
	for _, u := range freeURLs {
		f := free[u]
		if f.SteamURL == "" || !model.IsDemoLikePlatform(f.Platform) {
			continue
		}
		appID := model.AppIDFromSteamURL(f.SteamURL)
		if appID == "" {
			continue
		}
		g, ok := games[appID]
		if ok && (g.HasDemo || g.IsDemo) {
			result.Retracted = append(result.Retracted, Link{AppID: appID, FreeURL: u, Platform: f.Platform})
		}
	}

	return result
}

// Store is the mutation surface Apply needs. Both stores are written
// symmetrically in one call per link.
type Store interface {
	Game(appID string) (model.Game, bool)
	PutGame(model.Game)
	FreeGame(url string) (model.FreeGame, bool)
	PutFreeGame(model.FreeGame)
}

// Apply writes approved links and removes retracted ones, setting both
// sides together. It is idempotent: re-applying the same result is a
// no-op.
func (m *Matcher) Apply(st Store, result Result) {
	for _, c := range result.Approved {
		g, ok := st.Game(c.AppID)
		if !ok {
			continue
		}
		f, ok := st.FreeGame(c.FreeURL)
		if !ok {
			continue
		}
		// Both sides must still be free: a slot taken since the match
		// pass would otherwise end up asymmetric.
		if g.FreeURL(c.Platform) != "" || f.SteamURL != "" {
			continue
		}
		st.PutGame(g.WithFreeURL(c.Platform, c.FreeURL))
		st.PutFreeGame(f.WithSteamURL(model.SteamAppURL(c.AppID)))
		m.log.WithFields(logrus.Fields{
			"app_id": c.AppID, "url": c.FreeURL, "platform": c.Platform,
		}).Info("Linked free-platform listing to catalog entry")
	}
	for _, l := range result.Retracted {
		if g, ok := st.Game(l.AppID); ok {
			st.PutGame(g.WithFreeURL(l.Platform, ""))
		}
		if f, ok := st.FreeGame(l.FreeURL); ok {
			st.PutFreeGame(f.WithSteamURL(""))
		}
		m.log.WithFields(logrus.Fields{
			"app_id": l.AppID, "url": l.FreeURL, "platform": l.Platform,
		}).Info("Retracted auto-link superseded by catalog demo pair")
	}
	for _, c := range result.Denied {
		m.log.WithFields(logrus.Fields{
			"app_id": c.AppID, "url": c.FreeURL, "platform": c.Platform,
		}).Debug("Denied auto-link: catalog demo pair takes precedence")
	}
}
