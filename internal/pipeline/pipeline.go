package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/config"
	"github.com/TobiSchelling/gamedex/internal/fetch"
	"github.com/TobiSchelling/gamedex/internal/match"
	"github.com/TobiSchelling/gamedex/internal/model"
	"github.com/TobiSchelling/gamedex/internal/schedule"
	"github.com/TobiSchelling/gamedex/internal/store"
	"github.com/TobiSchelling/gamedex/internal/validate"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full update cycle.
type Result struct {
	RunID    string
	Steps    []StepResult
	Findings []validate.Finding
}

// CatalogBulkFetcher is what the pipeline needs from the bulk client.
type CatalogBulkFetcher interface {
	FetchAll(ctx context.Context, ids []string) (*fetch.BulkResult, error)
}

// Pipeline runs one update cycle: schedule -> fetch -> reconcile ->
// match -> validate -> commit. Entities are processed to completion one
// at a time; the store is the only shared mutable state and has a
// single writer.
type Pipeline struct {
	cfg       *config.Config
	st        *store.Store
	scheduler *schedule.Scheduler
	matcher   *match.Matcher
	bulk      CatalogBulkFetcher
	freeFetch map[string]fetch.FreeFetcher
	log       logrus.FieldLogger
	runID     string

	// repairedPairs tracks demo/full pairs already repaired this run so
	// a later-processed side never overwrites the first repair.
	repairedPairs map[string]bool
}

// New creates a pipeline. Each run gets a fresh uuid on its log fields.
func New(cfg *config.Config, st *store.Store, bulk CatalogBulkFetcher, freeFetch map[string]fetch.FreeFetcher, log logrus.FieldLogger) *Pipeline {
	runID := uuid.NewString()
	return &Pipeline{
		cfg:           cfg,
		st:            st,
		scheduler:     schedule.New(log),
		matcher:       match.New(log),
		bulk:          bulk,
		freeFetch:     freeFetch,
		log:           log.WithField("run_id", runID),
		runID:         runID,
		repairedPairs: make(map[string]bool),
	}
}

// Due is one scheduled fetch with its trigger reason.
type Due struct {
	AppID  string
	Reason schedule.Reason
}

// Run executes the full update cycle. On validation errors the commit
// is aborted wholesale and the prior disk state is left intact.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{RunID: p.runID}

	due := p.scheduleStep(r)
	if len(due) == 0 && !p.st.Dirty() && !p.freeDue(time.Now().UTC()) {
		r.Steps = append(r.Steps, StepResult{Name: "Commit", Summary: "Nothing to do"})
		return r
	}

	p.fetchStep(ctx, r, due)
	p.freeStep(ctx, r)
	p.matchStep(r)
	p.commitStep(r)
	return r
}

// DryRun reports what the scheduler would fetch without touching the
// network or the store.
func (p *Pipeline) DryRun() *Result {
	r := &Result{}
	due := p.dueEntities()
	counts := make(map[schedule.Reason]int)
	for _, d := range due {
		counts[d.Reason]++
	}
	summary := fmt.Sprintf("[dry-run] %d entities due", len(due))
	for _, reason := range []schedule.Reason{
		schedule.ReasonNew, schedule.ReasonFullRefresh, schedule.ReasonLinkRepair,
		schedule.ReasonOverdueRelease, schedule.ReasonRecentReference, schedule.ReasonScheduled,
	} {
		if counts[reason] > 0 {
			summary += fmt.Sprintf(", %s: %d", reason, counts[reason])
		}
	}
	r.Steps = append(r.Steps, StepResult{Name: "Schedule", Summary: summary})
	return r
}

func (p *Pipeline) scheduleStep(r *Result) []Due {
	p.log.Info("Step 1/5: Scheduling refreshes...")
	due := p.dueEntities()
	r.Steps = append(r.Steps, StepResult{
		Name:    "Schedule",
		Summary: fmt.Sprintf("%d of %d catalog entities due", len(due), len(p.st.Games())),
	})
	return due
}

// dueEntities walks the catalog plus every id referenced by videos and
// free-platform back-links, and asks the scheduler about each.
func (p *Pipeline) dueEntities() []Due {
	now := time.Now().UTC()
	latestRef := p.latestVideoRefs()
	incoming := p.incomingFreeLinks()

	candidates := make(map[string]bool, len(p.st.Games()))
	for id := range p.st.Games() {
		candidates[id] = true
	}
	for id := range latestRef {
		candidates[id] = true
	}
	for id := range incoming {
		candidates[id] = true
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var due []Due
	for _, id := range ids {
		sig := schedule.Signals{
			FreeLinks:      incoming[id],
			LatestVideoRef: latestRef[id],
			Now:            now,
		}
		var gp *model.Game
		if g, ok := p.st.Game(id); ok {
			gp = &g
		} else {
			sig.Missing = true
		}
		if d := p.scheduler.Decide(gp, sig); d.Fetch {
			due = append(due, Due{AppID: id, Reason: d.Reason})
		}
	}

	if limit := p.cfg.Refresh.MaxUpdatesPerRun; limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// latestVideoRefs maps catalog app id -> newest referencing video's
// publish time, honoring the backfill cutoff.
func (p *Pipeline) latestVideoRefs() map[string]time.Time {
	cutoff, hasCutoff := p.cfg.BackfillCutoff()
	latest := make(map[string]time.Time)
	for _, v := range p.st.AllVideos() {
		if hasCutoff && v.Published.Before(cutoff) {
			continue
		}
		for _, ref := range v.References() {
			if ref.Platform != model.PlatformSteam {
				continue
			}
			if v.Published.After(latest[ref.ID]) {
				latest[ref.ID] = v.Published
			}
		}
	}
	return latest
}

// incomingFreeLinks maps catalog app id -> platform -> free listing URL
// for free games whose back-link claims that entity.
func (p *Pipeline) incomingFreeLinks() map[string]map[string]string {
	incoming := make(map[string]map[string]string)
	for u, f := range p.st.FreeGames() {
		if f.SteamURL == "" {
			continue
		}
		appID := model.AppIDFromSteamURL(f.SteamURL)
		if appID == "" {
			continue
		}
		if incoming[appID] == nil {
			incoming[appID] = make(map[string]string)
		}
		incoming[appID][f.Platform] = u
	}
	return incoming
}

func (p *Pipeline) fetchStep(ctx context.Context, r *Result, due []Due) {
	p.log.Info("Step 2/5: Fetching catalog entities...")
	if len(due) == 0 {
		r.Steps = append(r.Steps, StepResult{Name: "Fetch", Summary: "No catalog entities due"})
		return
	}

	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.AppID
	}

	result, err := p.bulk.FetchAll(ctx, ids)
	if err != nil {
		p.log.Warnf("Bulk fetch incomplete: %v", err)
	}

	now := time.Now().UTC()
	updated := 0
	for _, id := range ids {
		fetched, ok := result.Games[id]
		if !ok {
			continue
		}
		p.applyFetched(id, *fetched, now)
		updated++
	}

	stubbed, dropped := p.handleNotFound(result.NotFound, now)

	step := StepResult{
		Name:    "Fetch",
		Summary: fmt.Sprintf("Updated %d entities, %d stubbed, %d dropped", updated, stubbed, dropped),
	}
	if err != nil {
		step.Err = err
	}
	r.Steps = append(r.Steps, step)
}

// applyFetched merges a fetched record into the store and repairs the
// demo/full relationship once per pair per run, driven by whichever
// side lands first.
func (p *Pipeline) applyFetched(id string, fetched model.Game, now time.Time) {
	stored, _ := p.st.Game(id)
	if stored.AppID == "" {
		stored.AppID = id
	}
	merged := model.MergeFetched(stored, fetched).WithLastUpdated(now)
	p.st.PutGame(merged)
	p.repairPair(merged)
}

// repairPair restores the reciprocal pointers of a demo/full pair when
// the counterpart's side is missing or inconsistent, and flags the
// counterpart for a full refresh so the platform confirms the repair
// next cycle. Later-processed entities never overwrite an earlier
// repair for the same pair.
func (p *Pipeline) repairPair(g model.Game) {
	var counterpart string
	switch {
	case g.HasDemo && g.DemoID != "":
		counterpart = g.DemoID
	case g.IsDemo && g.FullGameID != "" && g.FullGameID != g.AppID:
		counterpart = g.FullGameID
	default:
		return
	}

	pairKey := pairKey(g.AppID, counterpart)
	if p.repairedPairs[pairKey] {
		return
	}

	other, ok := p.st.Game(counterpart)
	consistent := ok && ((g.HasDemo && other.IsDemo && other.FullGameID == g.AppID) ||
		(g.IsDemo && other.HasDemo && other.DemoID == g.AppID))
	if consistent {
		return
	}

	p.repairedPairs[pairKey] = true
	if !ok {
		other = model.Game{AppID: counterpart}
	}
	if g.HasDemo {
		other.IsDemo = true
		other.FullGameID = g.AppID
		other.HasDemo = false
		other.DemoID = ""
	} else {
		other.HasDemo = true
		other.DemoID = g.AppID
		other.IsDemo = false
		other.FullGameID = ""
	}
	p.st.PutGame(other.WithFullRefresh(true))
	p.log.WithFields(logrus.Fields{"app_id": g.AppID, "counterpart": counterpart}).
		Info("Repaired demo/full pair, counterpart flagged for refresh")
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// handleNotFound applies the permanent-not-found taxonomy: entities
// still referenced by a video become stubs, unreferenced ones are
// dropped entirely.
func (p *Pipeline) handleNotFound(ids []string, now time.Time) (stubbed, dropped int) {
	referenced := make(map[string]bool)
	for _, v := range p.st.AllVideos() {
		for _, ref := range v.References() {
			if ref.Platform == model.PlatformSteam {
				referenced[ref.ID] = true
			}
		}
	}

	for _, id := range ids {
		g, ok := p.st.Game(id)
		if !referenced[id] {
			if ok {
				p.st.DeleteGame(id)
				p.dropDanglingPointers(id)
			}
			dropped++
			p.log.WithField("app_id", id).Info("Dropped unreferenced entity confirmed unavailable")
			continue
		}
		if !ok {
			g = model.Game{AppID: id}
		}
		g = g.WithStub("not_found").WithLastUpdated(now)
		g.RemovalDetected = true
		g.NeedsFullRefresh = false
		p.st.PutGame(g)
		stubbed++
		p.log.WithField("app_id", id).Warn("Converted video-referenced entity to stub")
	}
	return stubbed, dropped
}

// dropDanglingPointers clears demo/full pointers and free-platform
// back-links left behind by a dropped entity so the validator does not
// trip over them.
func (p *Pipeline) dropDanglingPointers(id string) {
	for _, g := range p.st.Games() {
		changed := false
		if g.DemoID == id {
			g.DemoID = ""
			g.HasDemo = false
			changed = true
		}
		if g.FullGameID == id {
			g.FullGameID = ""
			g.IsDemo = false
			changed = true
		}
		if changed {
			p.st.PutGame(g)
		}
	}
	for _, f := range p.st.FreeGames() {
		if model.AppIDFromSteamURL(f.SteamURL) == id {
			p.st.PutFreeGame(f.WithSteamURL(""))
		}
	}
}

// freeRefreshInterval is the flat refresh cadence for free-platform
// listings; they carry no staleness tiers.
const freeRefreshInterval = 7 * 24 * time.Hour

// freeDue reports whether any listing with a configured fetcher is past
// its refresh cadence.
func (p *Pipeline) freeDue(now time.Time) bool {
	for _, f := range p.st.FreeGames() {
		if _, ok := p.freeFetch[f.Platform]; !ok {
			continue
		}
		if now.Sub(f.LastUpdated) >= freeRefreshInterval {
			return true
		}
	}
	return false
}

func (p *Pipeline) freeStep(ctx context.Context, r *Result) {
	p.log.Info("Step 3/5: Refreshing free-platform listings...")
	if len(p.freeFetch) == 0 {
		r.Steps = append(r.Steps, StepResult{Name: "Free platforms", Summary: "No free-platform fetchers configured"})
		return
	}

	// Same taxonomy as the catalog side: a not-found listing still
	// referenced by a video becomes a stub, an unreferenced one is
	// removed.
	referenced := make(map[string]bool)
	for _, v := range p.st.AllVideos() {
		for _, ref := range v.References() {
			if ref.Platform != model.PlatformSteam {
				referenced[ref.ID] = true
			}
		}
	}

	now := time.Now().UTC()
	refreshed, dropped, failed := 0, 0, 0
	urls := make([]string, 0, len(p.st.FreeGames()))
	for u := range p.st.FreeGames() {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	for _, u := range urls {
		f, _ := p.st.FreeGame(u)
		fetcher, ok := p.freeFetch[f.Platform]
		if !ok {
			continue
		}
		if now.Sub(f.LastUpdated) < freeRefreshInterval {
			continue
		}
		fetched, err := fetcher.FetchFreeGame(ctx, u)
		switch {
		case err == nil:
			merged := model.MergeFetchedFree(f, *fetched)
			merged.LastUpdated = now
			p.st.PutFreeGame(merged)
			refreshed++
		case fetch.IsNotFound(err) && !referenced[u]:
			p.st.DeleteFreeGame(u)
			p.dropFreeLink(f)
			dropped++
			p.log.WithField("url", u).Info("Dropped unreferenced listing confirmed unavailable")
		case fetch.IsNotFound(err):
			f.IsStub = true
			f.StubReason = "not_found"
			f.LastUpdated = now
			p.st.PutFreeGame(f)
		default:
			// Transient failure: never a stub, try again next cycle.
			failed++
			p.log.WithField("url", u).Warnf("Free-platform fetch failed: %v", err)
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Free platforms",
		Summary: fmt.Sprintf("Refreshed %d listings, %d dropped, %d failed", refreshed, dropped, failed),
	})
}

// dropFreeLink clears the catalog side of a dropped listing's
// cross-platform link.
func (p *Pipeline) dropFreeLink(f model.FreeGame) {
	for _, g := range p.st.Games() {
		if g.FreeURL(f.Platform) == f.URL {
			p.st.PutGame(g.WithFreeURL(f.Platform, ""))
		}
	}
}

func (p *Pipeline) matchStep(r *Result) {
	p.log.Info("Step 4/5: Cross-platform matching...")
	result := p.matcher.Match(p.st.Games(), p.st.FreeGames())
	p.matcher.Apply(p.st, result)
	r.Steps = append(r.Steps, StepResult{
		Name: "Match",
		Summary: fmt.Sprintf("%d links approved, %d denied, %d retracted",
			len(result.Approved), len(result.Denied), len(result.Retracted)),
	})
}

func (p *Pipeline) commitStep(r *Result) {
	p.log.Info("Step 5/5: Validating and committing...")
	findings, err := p.st.Commit()
	r.Findings = findings
	step := StepResult{Name: "Commit"}
	if err != nil {
		step.Err = err
		step.Summary = fmt.Sprintf("Commit aborted: %d error findings, disk state untouched", len(validate.Errors(findings)))
		if derr := p.st.Discard(); derr != nil {
			p.log.Errorf("Discarding pending state failed: %v", derr)
		}
	} else {
		step.Summary = fmt.Sprintf("Committed (%d warning findings)", len(findings)-len(validate.Errors(findings)))
	}
	r.Steps = append(r.Steps, step)
}
