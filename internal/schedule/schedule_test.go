package schedule

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestDecideMissingEntity(t *testing.T) {
	s := New(testLogger())
	d := s.Decide(nil, Signals{Missing: true, Now: now})
	if !d.Fetch || d.Reason != ReasonNew {
		t.Errorf("expected fetch/new, got %+v", d)
	}
}

func TestDecidePriorityOrder(t *testing.T) {
	s := New(testLogger())

	// needs_full_refresh beats everything but missing.
	g := model.Game{
		AppID:            "100",
		NeedsFullRefresh: true,
		ComingSoon:       true,
		ReleaseDate:      "2026-01-01", ReleaseGranularity: model.GranularityDay,
		LastUpdated: now.Add(-100 * 24 * time.Hour),
	}
	d := s.Decide(&g, Signals{Now: now, FreeLinks: map[string]string{model.PlatformItch: "https://dev.itch.io/game"}})
	if d.Reason != ReasonFullRefresh {
		t.Errorf("expected full_refresh, got %q", d.Reason)
	}

	// Then link repair.
	g.NeedsFullRefresh = false
	d = s.Decide(&g, Signals{Now: now, FreeLinks: map[string]string{model.PlatformItch: "https://dev.itch.io/game"}})
	if d.Reason != ReasonLinkRepair {
		t.Errorf("expected link_repair, got %q", d.Reason)
	}

	// Then overdue day-granularity release.
	d = s.Decide(&g, Signals{Now: now})
	if d.Reason != ReasonOverdueRelease {
		t.Errorf("expected overdue_release, got %q", d.Reason)
	}
}

func TestDecideLinkRepairSkippedWhenLinked(t *testing.T) {
	s := New(testLogger())
	g := model.Game{
		AppID:       "100",
		ItchURL:     "https://dev.itch.io/game",
		LastUpdated: now.Add(-time.Hour),
		ReleaseDate: "2026-06-14", ReleaseGranularity: model.GranularityDay,
	}
	d := s.Decide(&g, Signals{Now: now, FreeLinks: map[string]string{model.PlatformItch: "https://dev.itch.io/game"}})
	if d.Fetch && d.Reason == ReasonLinkRepair {
		t.Errorf("link already present, should not repair: %+v", d)
	}
}

func TestDecideRecentReference(t *testing.T) {
	s := New(testLogger())
	g := model.Game{
		AppID:       "100",
		ReleaseDate: "2024-01-01", ReleaseGranularity: model.GranularityDay,
		LastUpdated: now.Add(-2 * 24 * time.Hour),
	}
	d := s.Decide(&g, Signals{Now: now, LatestVideoRef: now.Add(-24 * time.Hour)})
	if d.Reason != ReasonRecentReference {
		t.Errorf("expected recent_reference, got %+v", d)
	}

	// A reference older than last_updated does not trigger.
	d = s.Decide(&g, Signals{Now: now, LatestVideoRef: now.Add(-3 * 24 * time.Hour)})
	if d.Reason == ReasonRecentReference {
		t.Errorf("stale reference should not trigger: %+v", d)
	}
}

func TestDecideScheduledAndSkip(t *testing.T) {
	s := New(testLogger())
	// Released over a year ago: monthly tier.
	g := model.Game{
		AppID:       "100",
		ReleaseDate: "2020-01-01", ReleaseGranularity: model.GranularityDay,
		LastUpdated: now.Add(-40 * 24 * time.Hour),
	}
	if d := s.Decide(&g, Signals{Now: now}); d.Reason != ReasonScheduled {
		t.Errorf("expected scheduled, got %+v", d)
	}

	g.LastUpdated = now.Add(-24 * time.Hour)
	if d := s.Decide(&g, Signals{Now: now}); d.Fetch {
		t.Errorf("expected skip, got %+v", d)
	}
}

func TestIntervalTiers(t *testing.T) {
	s := New(testLogger())
	tests := []struct {
		name     string
		game     model.Game
		wantDays int
	}{
		{"stub", model.Game{IsStub: true}, 30},
		{"unreleased no date", model.Game{ComingSoon: true}, 30},
		{"releasing tomorrow", model.Game{ComingSoon: true, ReleaseDate: "2026-06-16", ReleaseGranularity: model.GranularityDay}, 1},
		{"releasing this month", model.Game{ComingSoon: true, ReleaseDate: "2026-07-10", ReleaseGranularity: model.GranularityDay}, 7},
		{"releasing next year", model.Game{ComingSoon: true, ReleaseDate: "2027-06-15", ReleaseGranularity: model.GranularityDay}, 30},
		{"imprecise near date floored to weekly", model.Game{ComingSoon: true, ReleaseDate: "2026-06", ReleaseGranularity: model.GranularityMonth}, 7},
		{"quarter date", model.Game{ComingSoon: true, ReleaseDate: "Q3 2026", ReleaseGranularity: model.GranularityQuarter}, 7},
		{"just released", model.Game{ReleaseDate: "2026-06-15", ReleaseGranularity: model.GranularityDay}, 0},
		{"released last week", model.Game{ReleaseDate: "2026-06-08", ReleaseGranularity: model.GranularityDay}, 1},
		{"released two months ago", model.Game{ReleaseDate: "2026-04-15", ReleaseGranularity: model.GranularityDay}, 7},
		{"released years ago", model.Game{ReleaseDate: "2020-01-01", ReleaseGranularity: model.GranularityDay}, 30},
		{"released no date", model.Game{}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := baseIntervalDays(&tt.game, now)
			if got != tt.wantDays {
				t.Errorf("baseIntervalDays = %d, want %d", got, tt.wantDays)
			}

			// The skewed interval stays within tier bounds and >= 1 day
			// for non-zero tiers.
			iv := s.Interval(&tt.game, now)
			if tt.wantDays == 0 {
				if iv != 0 {
					t.Errorf("interval = %v, want 0", iv)
				}
				return
			}
			if iv < day {
				t.Errorf("interval %v below 1 day floor", iv)
			}
			maxSkew := 0.2
			lo := time.Duration(float64(tt.wantDays) * (1 - maxSkew) * float64(day))
			hi := time.Duration(float64(tt.wantDays) * (1 + maxSkew) * float64(day))
			if lo < day {
				lo = day
			}
			if iv < lo || iv > hi {
				t.Errorf("interval %v outside [%v, %v]", iv, lo, hi)
			}
		})
	}
}

func TestSkewDeterministic(t *testing.T) {
	s := New(testLogger())
	g := model.Game{
		AppID:       "100",
		ReleaseDate: "2020-01-01", ReleaseGranularity: model.GranularityDay,
		LastUpdated: now.Add(-20 * 24 * time.Hour),
	}
	first := s.Interval(&g, now)
	for i := 0; i < 10; i++ {
		if got := s.Interval(&g, now); got != first {
			t.Fatalf("interval changed between runs: %v vs %v", got, first)
		}
	}

	d1 := s.Decide(&g, Signals{Now: now})
	d2 := s.Decide(&g, Signals{Now: now})
	if d1 != d2 {
		t.Errorf("decision not deterministic: %+v vs %+v", d1, d2)
	}
}

func TestSkewSpreadsEntities(t *testing.T) {
	// Different last_updated values should not all land on the same
	// skewed interval.
	s := New(testLogger())
	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		g := model.Game{
			ReleaseDate: "2020-01-01", ReleaseGranularity: model.GranularityDay,
			LastUpdated: now.Add(-time.Duration(i) * time.Hour),
		}
		seen[s.Interval(&g, now)] = true
	}
	if len(seen) < 10 {
		t.Errorf("expected spread of skewed intervals, got %d distinct values", len(seen))
	}
}

func TestSkewUnitRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		u := skewUnit(now.Add(time.Duration(i) * time.Minute))
		if u < -1 || u > 1 {
			t.Fatalf("skew unit %f outside [-1, 1]", u)
		}
	}
}
