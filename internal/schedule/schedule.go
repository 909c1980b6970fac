package schedule

import (
	"hash/fnv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
)

// Reason explains why an entity is due for a fetch.
type Reason string

const (
	ReasonNew             Reason = "new"
	ReasonFullRefresh     Reason = "full_refresh"
	ReasonLinkRepair      Reason = "link_repair"
	ReasonOverdueRelease  Reason = "overdue_release"
	ReasonRecentReference Reason = "recent_reference"
	ReasonScheduled       Reason = "scheduled"
)

// Decision is the scheduler's verdict for one entity.
type Decision struct {
	Fetch  bool
	Reason Reason
}

var skip = Decision{}

// Signals are the external facts the scheduler folds in alongside the
// entity's own stored fields.
type Signals struct {
	// Missing means the entity is not in the store at all.
	Missing bool
	// FreeLinks maps secondary platform -> listing URL for free-platform
	// entities whose back-link claims this catalog entity.
	FreeLinks map[string]string
	// LatestVideoRef is the publish time of the newest video that
	// references this entity; zero when none do.
	LatestVideoRef time.Time
	// Now is the evaluation instant.
	Now time.Time
}

// Interval tiers, in days.
const (
	intervalEveryCycle = 0
	intervalDaily      = 1
	intervalWeekly     = 7
	intervalMonthly    = 30
)

const day = 24 * time.Hour

// Scheduler decides when catalog entities need re-fetching.
type Scheduler struct {
	log logrus.FieldLogger
}

// New creates a scheduler.
func New(log logrus.FieldLogger) *Scheduler {
	return &Scheduler{log: log}
}

// Decide checks the trigger signals in priority order and returns
// whether the entity must be fetched this cycle and why.
func (s *Scheduler) Decide(g *model.Game, sig Signals) Decision {
	d := s.decide(g, sig)
	if d.Fetch {
		entry := s.log.WithField("reason", d.Reason)
		if g != nil {
			entry = entry.WithField("app_id", g.AppID)
		}
		entry.Debug("Entity due for fetch")
	}
	return d
}

func (s *Scheduler) decide(g *model.Game, sig Signals) Decision {
	if g == nil || sig.Missing {
		return Decision{Fetch: true, Reason: ReasonNew}
	}
	if g.NeedsFullRefresh {
		return Decision{Fetch: true, Reason: ReasonFullRefresh}
	}
	// A free-platform listing claims this entity but the catalog side
	// lacks the link: refetch to repair the asymmetry.
	for platform := range sig.FreeLinks {
		if g.FreeURL(platform) == "" {
			return Decision{Fetch: true, Reason: ReasonLinkRepair}
		}
	}
	if g.ComingSoon && g.ReleaseGranularity == model.GranularityDay {
		if planned, ok := g.EarliestRelease(); ok && planned.Before(sig.Now) {
			return Decision{Fetch: true, Reason: ReasonOverdueRelease}
		}
	}
	if !sig.LatestVideoRef.IsZero() && sig.LatestVideoRef.After(g.LastUpdated) {
		return Decision{Fetch: true, Reason: ReasonRecentReference}
	}
	if sig.Now.Sub(g.LastUpdated) > s.Interval(g, sig.Now) {
		return Decision{Fetch: true, Reason: ReasonScheduled}
	}
	return skip
}

// Interval computes the allowed age before the entity is due again. It
// is a pure function of the entity's stored fields and now, so two runs
// over unchanged state always reproduce the same due date.
func (s *Scheduler) Interval(g *model.Game, now time.Time) time.Duration {
	days := baseIntervalDays(g, now)
	if days == intervalEveryCycle {
		return 0
	}
	skewed := applySkew(float64(days), g.LastUpdated)
	if skewed < 1 {
		skewed = 1
	}
	return time.Duration(skewed * float64(day))
}

func baseIntervalDays(g *model.Game, now time.Time) int {
	// Known-dead ids get a long fixed interval.
	if g.IsStub {
		return intervalMonthly
	}

	release, hasDate := g.EarliestRelease()
	if g.ComingSoon {
		if !hasDate {
			return intervalMonthly
		}
		until := release.Sub(now)
		imprecise := g.ReleaseGranularity != model.GranularityDay
		switch {
		case until <= 3*day:
			// Imprecise dates cannot justify daily polling.
			if imprecise {
				return intervalWeekly
			}
			return intervalDaily
		case until <= 33*day:
			return intervalWeekly
		default:
			return intervalMonthly
		}
	}

	if !hasDate {
		return intervalWeekly
	}
	age := now.Sub(release)
	switch {
	case age <= day:
		return intervalEveryCycle
	case age < 14*day:
		return intervalDaily
	case age < 365*day:
		return intervalWeekly
	default:
		return intervalMonthly
	}
}

// applySkew spreads due dates for the weekly and monthly tiers: +/-20%
// for weekly, +/-10% for monthly, as a stable function of the stored
// last_updated value so re-running against the same state reproduces
// the same due date. FNV-1a over the RFC3339 timestamp string keeps the
// skew reproducible across runtimes.
func applySkew(days float64, lastUpdated time.Time) float64 {
	var spread float64
	switch {
	case days == intervalWeekly:
		spread = 0.2
	case days == intervalMonthly:
		spread = 0.1
	default:
		return days
	}
	return days * (1 + spread*skewUnit(lastUpdated))
}

// skewUnit maps last_updated onto [-1, 1].
func skewUnit(lastUpdated time.Time) float64 {
	h := fnv.New64a()
	h.Write([]byte(lastUpdated.UTC().Format(time.RFC3339)))
	return float64(h.Sum64()%2001)/1000.0 - 1.0
}
