package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/model"
	"github.com/TobiSchelling/gamedex/internal/validate"
)

const (
	gamesFile       = "games.json"
	freeGamesFile   = "free_games.json"
	videoFilePrefix = "videos_"
)

// ErrValidationFailed is returned by Commit when error-severity
// findings block the write. Disk state is untouched.
var ErrValidationFailed = errors.New("validation failed")

// gamesDoc is the on-disk shape of the catalog document. Absent fields
// read back as their defaults, never as errors.
type gamesDoc struct {
	LastUpdated time.Time             `json:"last_updated,omitzero"`
	Games       map[string]model.Game `json:"games"`
}

type freeGamesDoc struct {
	LastUpdated time.Time                 `json:"last_updated,omitzero"`
	Games       map[string]model.FreeGame `json:"games"`
}

type videosDoc struct {
	LastUpdated time.Time              `json:"last_updated,omitzero"`
	Videos      map[string]model.Video `json:"videos"`
}

// Store is the two-collection reconciled state plus per-source video
// documents, held in memory between Commit/Discard. All mutations are
// pending until Commit runs the validator over the full snapshot and
// atomically replaces the documents; Discard reloads from disk. One
// writer process is assumed.
type Store struct {
	dir       string
	validator *validate.Validator
	log       logrus.FieldLogger

	games       map[string]model.Game
	free        map[string]model.FreeGame
	videos      map[string]map[string]model.Video // source -> video id -> video
	gamesStamp  time.Time
	freeStamp   time.Time
	videoStamps map[string]time.Time
	dirty       bool
}

// Open loads the documents under dir, creating the directory if needed.
// The validator is injected here so every commit is gated.
func Open(dir string, v *validate.Validator, log logrus.FieldLogger) (*Store, error) {
	if v == nil {
		return nil, errors.New("store: validator is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s := &Store{dir: dir, validator: v, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var gd gamesDoc
	if err := readDoc(filepath.Join(s.dir, gamesFile), &gd); err != nil {
		return err
	}
	var fd freeGamesDoc
	if err := readDoc(filepath.Join(s.dir, freeGamesFile), &fd); err != nil {
		return err
	}

	s.games = gd.Games
	if s.games == nil {
		s.games = make(map[string]model.Game)
	}
	s.free = fd.Games
	if s.free == nil {
		s.free = make(map[string]model.FreeGame)
	}
	s.gamesStamp = gd.LastUpdated
	s.freeStamp = fd.LastUpdated

	s.videos = make(map[string]map[string]model.Video)
	s.videoStamps = make(map[string]time.Time)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing data directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, videoFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		source := strings.TrimSuffix(strings.TrimPrefix(name, videoFilePrefix), ".json")
		var vd videosDoc
		if err := readDoc(filepath.Join(s.dir, name), &vd); err != nil {
			return err
		}
		if vd.Videos == nil {
			vd.Videos = make(map[string]model.Video)
		}
		s.videos[source] = vd.Videos
		s.videoStamps[source] = vd.LastUpdated
	}

	s.dirty = false
	return nil
}

// Game returns a catalog entity by app id.
func (s *Store) Game(appID string) (model.Game, bool) {
	g, ok := s.games[appID]
	return g, ok
}

// PutGame stages a catalog entity into the pending state.
func (s *Store) PutGame(g model.Game) {
	s.games[g.AppID] = g
	s.dirty = true
}

// DeleteGame removes a catalog entity from the pending state.
func (s *Store) DeleteGame(appID string) {
	delete(s.games, appID)
	s.dirty = true
}

// Games returns the pending catalog map. Callers treat it read-only.
func (s *Store) Games() map[string]model.Game {
	return s.games
}

// FreeGame returns a free-platform entity by canonical URL.
func (s *Store) FreeGame(url string) (model.FreeGame, bool) {
	f, ok := s.free[url]
	return f, ok
}

// PutFreeGame stages a free-platform entity into the pending state.
func (s *Store) PutFreeGame(f model.FreeGame) {
	s.free[f.URL] = f
	s.dirty = true
}

// DeleteFreeGame removes a free-platform entity from the pending state.
func (s *Store) DeleteFreeGame(url string) {
	delete(s.free, url)
	s.dirty = true
}

// FreeGames returns the pending free-platform map, read-only.
func (s *Store) FreeGames() map[string]model.FreeGame {
	return s.free
}

// Videos returns the pending videos for one source, read-only.
func (s *Store) Videos(source string) map[string]model.Video {
	return s.videos[source]
}

// VideoSources returns the known video source names, sorted.
func (s *Store) VideoSources() []string {
	sources := make([]string, 0, len(s.videos))
	for src := range s.videos {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	return sources
}

// PutVideo stages a video for a source. Reference lists are replaced
// wholesale with the video, never patched.
func (s *Store) PutVideo(source string, v model.Video) {
	if s.videos[source] == nil {
		s.videos[source] = make(map[string]model.Video)
	}
	s.videos[source][v.ID] = v
	s.dirty = true
}

// AllVideos flattens every source's videos into one map.
func (s *Store) AllVideos() map[string]model.Video {
	out := make(map[string]model.Video)
	for _, vids := range s.videos {
		for id, v := range vids {
			out[id] = v
		}
	}
	return out
}

// Snapshot builds the validator's view of the pending state.
func (s *Store) Snapshot() *validate.Snapshot {
	return &validate.Snapshot{
		Games:  s.games,
		Free:   s.free,
		Videos: s.AllVideos(),
	}
}

// Dirty reports whether uncommitted changes are pending.
func (s *Store) Dirty() bool {
	return s.dirty
}

// Commit validates the full pending snapshot and atomically replaces
// the on-disk documents. Error-severity findings abort the write
// wholesale and are returned alongside ErrValidationFailed so the
// operator sees exactly which rule failed on which entity.
func (s *Store) Commit() ([]validate.Finding, error) {
	findings := s.validator.Validate(s.Snapshot())
	if validate.HasErrors(findings) {
		errs := validate.Errors(findings)
		s.log.WithField("errors", len(errs)).Error("Commit blocked by validation errors")
		return findings, fmt.Errorf("%w: %d error findings", ErrValidationFailed, len(errs))
	}

	now := time.Now().UTC()
	if err := writeDoc(filepath.Join(s.dir, gamesFile), gamesDoc{LastUpdated: now, Games: s.games}); err != nil {
		return findings, err
	}
	if err := writeDoc(filepath.Join(s.dir, freeGamesFile), freeGamesDoc{LastUpdated: now, Games: s.free}); err != nil {
		return findings, err
	}
	for source, vids := range s.videos {
		path := filepath.Join(s.dir, videoFilePrefix+source+".json")
		if err := writeDoc(path, videosDoc{LastUpdated: now, Videos: vids}); err != nil {
			return findings, err
		}
	}
	s.gamesStamp = now
	s.freeStamp = now
	s.dirty = false
	s.log.WithFields(logrus.Fields{
		"games": len(s.games), "free_games": len(s.free),
	}).Info("Committed reconciled state")
	return findings, nil
}

// Discard drops all pending changes and reloads from disk.
func (s *Store) Discard() error {
	return s.load()
}

// LastCommitted returns the document-level timestamp of the catalog
// document as of the last load or commit.
func (s *Store) LastCommitted() time.Time {
	return s.gamesStamp
}

// Stats contains aggregate store statistics.
type Stats struct {
	Games           int
	FreeGames       int
	Stubs           int
	DemoPairs       int
	PendingRemovals int
	VideoSources    int
	Videos          int
}

// GetStats computes aggregate statistics over the pending state.
func (s *Store) GetStats() Stats {
	st := Stats{Games: len(s.games), FreeGames: len(s.free), VideoSources: len(s.videos)}
	for _, g := range s.games {
		if g.IsStub {
			st.Stubs++
		}
		if g.HasDemo {
			st.DemoPairs++
		}
		if g.RemovalPending || g.RemovalDetected {
			st.PendingRemovals++
		}
	}
	for _, f := range s.free {
		if f.IsStub {
			st.Stubs++
		}
	}
	for _, vids := range s.videos {
		st.Videos += len(vids)
	}
	return st
}

// readDoc reads a JSON document; a missing file is an empty document.
func readDoc(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeDoc writes JSON to a temp file in the same directory and renames
// it over the target, so a reader never observes a half-written file.
func writeDoc(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
