package validate

import (
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
)

// Severity of a finding. Error findings block persistence; warnings are
// logged and let the commit proceed.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Kind identifies the integrity rule a finding violates.
type Kind string

const (
	KindBrokenDemoBidirectionality Kind = "broken_demo_bidirectionality"
	KindDemoFullGameMissing        Kind = "demo_full_game_missing"

	KindDemoAndFullFlagsSet       Kind = "demo_and_full_flags_set"
	KindHasDemoWithoutDemoID      Kind = "has_demo_without_demo_id"
	KindDemoIDWithoutHasDemo      Kind = "demo_id_without_has_demo"
	KindDemoWithoutFullGameID     Kind = "demo_without_full_game_id"
	KindFullGameIDWithoutDemoFlag Kind = "full_game_id_without_demo_flag"
	KindDemoIDNotNumeric          Kind = "demo_id_not_numeric"
	KindFullGameIDNotNumeric      Kind = "full_game_id_not_numeric"
	KindSelfReferentialDemoID     Kind = "self_referential_demo_id"
	KindSelfReferentialFullGameID Kind = "self_referential_full_game_id"

	KindCrossLinkAsymmetric Kind = "cross_link_asymmetric"
	KindCrossLinkDangling   Kind = "cross_link_dangling"
	KindMalformedLinkURL    Kind = "malformed_link_url"

	KindCircularResolutionChain Kind = "circular_resolution_chain"
	KindResolutionTargetMissing Kind = "resolution_target_missing"

	KindVideoRefMissingCatalogGame Kind = "video_references_missing_catalog_game"
	KindVideoRefMissingFreeGame    Kind = "video_references_missing_free_game"
	KindVideoRefUnknownPlatform    Kind = "video_reference_unknown_platform"
)

// Finding is one integrity violation, attributed to an entity id.
type Finding struct {
	Kind     Kind
	Severity Severity
	EntityID string
	Detail   string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", f.Severity, f.Kind, f.EntityID, f.Detail)
}

// Snapshot is the state the validator runs against: either freshly
// loaded from disk or an in-memory pending view of uncommitted changes.
// The validator never touches disk, so one snapshot is consistent
// across the whole battery.
type Snapshot struct {
	Games  map[string]model.Game
	Free   map[string]model.FreeGame
	Videos map[string]model.Video
}

// Validator runs the fixed battery of referential-integrity checks.
type Validator struct {
	log logrus.FieldLogger
}

// New creates a validator.
func New(log logrus.FieldLogger) *Validator {
	return &Validator{log: log}
}

// Validate runs every check against the snapshot and returns all
// findings. Callers must refuse to persist when HasErrors is true.
func (v *Validator) Validate(s *Snapshot) []Finding {
	var findings []Finding
	findings = append(findings, v.checkDemoPairs(s)...)
	findings = append(findings, v.checkGameFields(s)...)
	findings = append(findings, v.checkCrossLinks(s)...)
	findings = append(findings, v.checkResolutionChains(s)...)
	findings = append(findings, v.checkVideoReferences(s)...)

	for _, f := range findings {
		entry := v.log.WithFields(logrus.Fields{"kind": f.Kind, "entity": f.EntityID})
		if f.Severity == SeverityError {
			entry.Error(f.Detail)
		} else {
			entry.Warn(f.Detail)
		}
	}
	return findings
}

// HasErrors reports whether any finding is error severity.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity findings.
func Errors(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// checkDemoPairs verifies demo<->full bidirectionality. The pair check
// is driven from the has_demo side so a broken pair yields exactly one
// error, attributed to the full game. A demo whose full game is absent
// entirely is a warning (the unifier falls back to a standalone entry).
func (v *Validator) checkDemoPairs(s *Snapshot) []Finding {
	var findings []Finding
	for id, g := range s.Games {
		if g.HasDemo && g.DemoID != "" {
			demo, ok := s.Games[g.DemoID]
			switch {
			case !ok:
				findings = append(findings, Finding{
					Kind: KindBrokenDemoBidirectionality, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("demo_id %q not in catalog", g.DemoID),
				})
			case !demo.IsDemo:
				findings = append(findings, Finding{
					Kind: KindBrokenDemoBidirectionality, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("demo_id %q is not flagged is_demo", g.DemoID),
				})
			case demo.FullGameID != id:
				findings = append(findings, Finding{
					Kind: KindBrokenDemoBidirectionality, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("demo %q points back at %q, not %q", g.DemoID, demo.FullGameID, id),
				})
			}
		}
		if g.IsDemo && g.FullGameID != "" && g.FullGameID != id {
			if _, ok := s.Games[g.FullGameID]; !ok {
				findings = append(findings, Finding{
					Kind: KindDemoFullGameMissing, Severity: SeverityWarning, EntityID: id,
					Detail: fmt.Sprintf("full_game_id %q not in catalog", g.FullGameID),
				})
			}
		}
	}
	return findings
}

// checkGameFields enforces the per-entity field-consistency rules.
func (v *Validator) checkGameFields(s *Snapshot) []Finding {
	var findings []Finding
	add := func(id string, kind Kind, detail string) {
		findings = append(findings, Finding{Kind: kind, Severity: SeverityError, EntityID: id, Detail: detail})
	}
	for id, g := range s.Games {
		if g.IsDemo && g.HasDemo {
			add(id, KindDemoAndFullFlagsSet, "is_demo and has_demo are mutually exclusive")
		}
		if g.HasDemo && g.DemoID == "" {
			add(id, KindHasDemoWithoutDemoID, "has_demo set without demo_id")
		}
		if g.DemoID != "" && !g.HasDemo {
			add(id, KindDemoIDWithoutHasDemo, "demo_id set without has_demo")
		}
		if g.IsDemo && g.FullGameID == "" {
			add(id, KindDemoWithoutFullGameID, "is_demo set without full_game_id")
		}
		if g.FullGameID != "" && !g.IsDemo {
			add(id, KindFullGameIDWithoutDemoFlag, "full_game_id set without is_demo")
		}
		if g.DemoID != "" && !model.IsNumericID(g.DemoID) {
			add(id, KindDemoIDNotNumeric, fmt.Sprintf("demo_id %q is not a numeric catalog id", g.DemoID))
		}
		if g.FullGameID != "" && !model.IsNumericID(g.FullGameID) {
			add(id, KindFullGameIDNotNumeric, fmt.Sprintf("full_game_id %q is not a numeric catalog id", g.FullGameID))
		}
		if g.DemoID != "" && g.DemoID == id {
			add(id, KindSelfReferentialDemoID, "demo_id points at itself")
		}
		// A standalone demo may carry full_game_id == itself; any other
		// self reference is an error.
		if g.FullGameID != "" && g.FullGameID == id && !g.IsDemo {
			add(id, KindSelfReferentialFullGameID, "full_game_id points at itself on a non-demo")
		}
	}
	return findings
}

// checkCrossLinks verifies catalog<->free-platform link symmetry.
func (v *Validator) checkCrossLinks(s *Snapshot) []Finding {
	var findings []Finding
	for id, g := range s.Games {
		for _, platform := range []string{model.PlatformItch, model.PlatformCrazyGames} {
			link := g.FreeURL(platform)
			if link == "" {
				continue
			}
			if !wellFormedURL(link) {
				findings = append(findings, Finding{
					Kind: KindMalformedLinkURL, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("malformed %s link %q", platform, link),
				})
				continue
			}
			free, ok := s.Free[link]
			if !ok {
				findings = append(findings, Finding{
					Kind: KindCrossLinkDangling, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("%s link %q has no free-platform entity", platform, link),
				})
				continue
			}
			if free.SteamURL != model.SteamAppURL(id) {
				findings = append(findings, Finding{
					Kind: KindCrossLinkAsymmetric, Severity: SeverityError, EntityID: id,
					Detail: fmt.Sprintf("%s listing %q back-links %q, not this game", platform, link, free.SteamURL),
				})
			}
		}
	}
	for u, f := range s.Free {
		if f.SteamURL == "" {
			continue
		}
		if !wellFormedURL(f.SteamURL) {
			findings = append(findings, Finding{
				Kind: KindMalformedLinkURL, Severity: SeverityError, EntityID: u,
				Detail: fmt.Sprintf("malformed steam_url %q", f.SteamURL),
			})
			continue
		}
		appID := model.AppIDFromSteamURL(f.SteamURL)
		if appID == "" {
			findings = append(findings, Finding{
				Kind: KindMalformedLinkURL, Severity: SeverityError, EntityID: u,
				Detail: fmt.Sprintf("steam_url %q is not a store app URL", f.SteamURL),
			})
			continue
		}
		g, ok := s.Games[appID]
		if !ok {
			findings = append(findings, Finding{
				Kind: KindCrossLinkDangling, Severity: SeverityError, EntityID: u,
				Detail: fmt.Sprintf("steam_url %q has no catalog entity", f.SteamURL),
			})
			continue
		}
		if g.FreeURL(f.Platform) != u {
			findings = append(findings, Finding{
				Kind: KindCrossLinkAsymmetric, Severity: SeverityError, EntityID: u,
				Detail: fmt.Sprintf("catalog %q does not link back to %q", appID, u),
			})
		}
	}
	return findings
}

// checkResolutionChains walks every stub's resolved_to chain on both
// stores. A chain must terminate at an existing entity without
// revisiting a node.
func (v *Validator) checkResolutionChains(s *Snapshot) []Finding {
	var findings []Finding
	for id, g := range s.Games {
		if !g.IsStub || g.ResolvedTo == "" {
			continue
		}
		findings = append(findings, walkChain(id, func(cur string) (string, bool, bool) {
			g, ok := s.Games[cur]
			return g.ResolvedTo, g.IsStub, ok
		})...)
	}
	for u, f := range s.Free {
		if !f.IsStub || f.ResolvedTo == "" {
			continue
		}
		findings = append(findings, walkChain(u, func(cur string) (string, bool, bool) {
			f, ok := s.Free[cur]
			return f.ResolvedTo, f.IsStub, ok
		})...)
	}
	return findings
}

// walkChain follows resolved_to links from origin. lookup returns the
// node's resolved_to, whether it is a stub, and whether it exists.
func walkChain(origin string, lookup func(string) (next string, stub bool, ok bool)) []Finding {
	visited := map[string]bool{origin: true}
	next, _, _ := lookup(origin)
	for next != "" {
		if visited[next] {
			return []Finding{{
				Kind: KindCircularResolutionChain, Severity: SeverityError, EntityID: origin,
				Detail: fmt.Sprintf("resolution chain revisits %q", next),
			}}
		}
		visited[next] = true
		target, stub, ok := lookup(next)
		if !ok {
			return []Finding{{
				Kind: KindResolutionTargetMissing, Severity: SeverityError, EntityID: origin,
				Detail: fmt.Sprintf("resolution chain dead-ends at missing %q", next),
			}}
		}
		if !stub {
			return nil
		}
		next = target
	}
	return nil
}

// checkVideoReferences verifies that every game reference on every
// video resolves to an entity on its platform.
func (v *Validator) checkVideoReferences(s *Snapshot) []Finding {
	var findings []Finding
	for vid, video := range s.Videos {
		for _, ref := range video.References() {
			switch ref.Platform {
			case model.PlatformSteam:
				if _, ok := s.Games[ref.ID]; !ok {
					findings = append(findings, Finding{
						Kind: KindVideoRefMissingCatalogGame, Severity: SeverityError, EntityID: vid,
						Detail: fmt.Sprintf("references catalog id %q which does not exist", ref.ID),
					})
				}
			case model.PlatformItch, model.PlatformCrazyGames:
				if _, ok := s.Free[ref.ID]; !ok {
					findings = append(findings, Finding{
						Kind: KindVideoRefMissingFreeGame, Severity: SeverityError, EntityID: vid,
						Detail: fmt.Sprintf("references %s listing %q which does not exist", ref.Platform, ref.ID),
					})
				}
			default:
				findings = append(findings, Finding{
					Kind: KindVideoRefUnknownPlatform, Severity: SeverityWarning, EntityID: vid,
					Detail: fmt.Sprintf("reference has unknown platform %q", ref.Platform),
				})
			}
		}
	}
	return findings
}

func wellFormedURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
