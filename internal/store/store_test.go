package store

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
	"github.com/TobiSchelling/gamedex/internal/validate"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(dir, validate.New(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st, dir
}

func TestOpenEmptyDirectory(t *testing.T) {
	st, _ := openTestStore(t)
	if len(st.Games()) != 0 || len(st.FreeGames()) != 0 {
		t.Error("fresh store must be empty")
	}
	if st.Dirty() {
		t.Error("fresh store must not be dirty")
	}
}

func TestCommitAndReload(t *testing.T) {
	st, dir := openTestStore(t)

	st.PutGame(model.Game{AppID: "100", Name: "Hollow Depths", LastUpdated: time.Now().UTC()})
	st.PutFreeGame(model.FreeGame{URL: "u1", Platform: model.PlatformItch, Name: "Free Game"})
	st.PutVideo("youtube", model.Video{ID: "v1", Title: "Playing Hollow Depths"})

	if _, err := st.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if st.Dirty() {
		t.Error("store must be clean after commit")
	}

	reopened, err := Open(dir, validate.New(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	g, ok := reopened.Game("100")
	if !ok || g.Name != "Hollow Depths" {
		t.Errorf("game did not round-trip: %+v", g)
	}
	if _, ok := reopened.FreeGame("u1"); !ok {
		t.Error("free game did not round-trip")
	}
	if v, ok := reopened.Videos("youtube")["v1"]; !ok || v.Title != "Playing Hollow Depths" {
		t.Errorf("video did not round-trip: %+v", v)
	}
	if reopened.LastCommitted().IsZero() {
		t.Error("document-level last_updated missing after reload")
	}
}

func TestCommitBlockedByValidationError(t *testing.T) {
	st, dir := openTestStore(t)

	st.PutGame(model.Game{AppID: "100", Name: "Valid", LastUpdated: time.Now().UTC()})
	if _, err := st.Commit(); err != nil {
		t.Fatalf("initial commit failed: %v", err)
	}

	// Stage an inconsistent entity: has_demo without a demo_id.
	st.PutGame(model.Game{AppID: "300", HasDemo: true})
	findings, err := st.Commit()
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if !validate.HasErrors(findings) {
		t.Error("expected error findings in the report")
	}

	// Disk state must be untouched: reopen and check the bad entity is
	// absent while the prior commit survives.
	reopened, err := Open(dir, validate.New(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, ok := reopened.Game("300"); ok {
		t.Error("failed commit must not reach disk")
	}
	if _, ok := reopened.Game("100"); !ok {
		t.Error("prior data must survive a failed commit")
	}
}

func TestDiscardReloadsFromDisk(t *testing.T) {
	st, _ := openTestStore(t)
	st.PutGame(model.Game{AppID: "100", Name: "Committed"})
	if _, err := st.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	st.PutGame(model.Game{AppID: "100", Name: "Pending edit"})
	st.PutGame(model.Game{AppID: "200", Name: "Pending add"})
	if err := st.Discard(); err != nil {
		t.Fatalf("discard failed: %v", err)
	}

	g, _ := st.Game("100")
	if g.Name != "Committed" {
		t.Errorf("discard must drop pending edits, got %q", g.Name)
	}
	if _, ok := st.Game("200"); ok {
		t.Error("discard must drop pending adds")
	}
	if st.Dirty() {
		t.Error("store must be clean after discard")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	st, dir := openTestStore(t)
	st.PutGame(model.Game{AppID: "100", Name: "Hollow Depths"})
	if _, err := st.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected non-document file left behind: %s", e.Name())
		}
	}
}

func TestAbsentFieldsReadAsDefaults(t *testing.T) {
	dir := t.TempDir()
	// A minimal hand-written document: most fields omitted.
	doc := `{"games": {"100": {"app_id": "100", "name": "Sparse"}}}`
	if err := os.WriteFile(filepath.Join(dir, "games.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := Open(dir, validate.New(testLogger()), testLogger())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	g, ok := st.Game("100")
	if !ok {
		t.Fatal("expected sparse game to load")
	}
	if g.ComingSoon || g.IsStub || g.HasDemo || g.Review != nil || !g.LastUpdated.IsZero() {
		t.Errorf("absent fields must read as defaults: %+v", g)
	}
}

func TestOmitemptyKeepsDocumentsCompact(t *testing.T) {
	st, dir := openTestStore(t)
	st.PutGame(model.Game{AppID: "100", Name: "Hollow Depths"})
	if _, err := st.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "games.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	game := raw["games"].(map[string]any)["100"].(map[string]any)
	for _, field := range []string{"is_demo", "has_demo", "coming_soon", "review", "last_updated"} {
		if _, present := game[field]; present {
			t.Errorf("default-valued field %q must be omitted on write", field)
		}
	}
}

func TestGetStats(t *testing.T) {
	st, _ := openTestStore(t)
	st.PutGame(model.Game{AppID: "100", HasDemo: true, DemoID: "200"})
	st.PutGame(model.Game{AppID: "200", IsDemo: true, FullGameID: "100"})
	st.PutGame(model.Game{AppID: "300", IsStub: true, StubReason: "not_found"})
	st.PutFreeGame(model.FreeGame{URL: "u1", Platform: model.PlatformItch})
	st.PutVideo("youtube", model.Video{ID: "v1"})
	st.PutVideo("youtube", model.Video{ID: "v2"})

	stats := st.GetStats()
	if stats.Games != 3 || stats.FreeGames != 1 || stats.Stubs != 1 || stats.DemoPairs != 1 || stats.Videos != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
