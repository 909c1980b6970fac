package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/batch"
	"github.com/TobiSchelling/gamedex/internal/model"
)

// ErrNotFound means the platform definitively does not know the
// identifier. It is distinct from transient failures: only a confirmed
// not-found may produce a stub.
var ErrNotFound = errors.New("fetch: not found")

// IsNotFound reports whether err is a confirmed not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GameFetcher is the catalog-platform collaborator. The scraping that
// turns a store page into a record lives behind this interface.
type GameFetcher interface {
	FetchGame(ctx context.Context, appID string) (*model.Game, error)
}

// FreeFetcher is the free-platform collaborator.
type FreeFetcher interface {
	FetchFreeGame(ctx context.Context, url string) (*model.FreeGame, error)
}

// Free-platform fetchers are scraping clients that live outside this
// module. A binary that links one registers its constructor here; the
// update command builds fetchers for the platforms the config enables.
var freeFetcherFactories = map[string]func(timeout time.Duration, log logrus.FieldLogger) FreeFetcher{}

// RegisterFreeFetcher registers a fetcher constructor for a platform.
// A later registration for the same platform replaces the earlier one.
func RegisterFreeFetcher(platform string, factory func(timeout time.Duration, log logrus.FieldLogger) FreeFetcher) {
	freeFetcherFactories[platform] = factory
}

// NewFreeFetcher constructs the registered fetcher for a platform. ok is
// false when no fetcher is linked in for it.
func NewFreeFetcher(platform string, timeout time.Duration, log logrus.FieldLogger) (FreeFetcher, bool) {
	factory, ok := freeFetcherFactories[platform]
	if !ok {
		return nil, false
	}
	return factory(timeout, log), true
}

// BulkResult is one bulk call's outcome: records by app id, with ids
// the platform reported as unknown listed separately.
type BulkResult struct {
	Games    map[string]*model.Game
	NotFound []string
}

// BulkClient fetches catalog records in batches from a JSON endpoint,
// shrinking batches on overload and backing off on rate limits. Sizing
// is the controller's job and timing is the policy's; the client only
// wires the two together.
type BulkClient struct {
	endpoint string
	client   *http.Client
	ctrl     *batch.Controller
	policy   *batch.Policy
	log      logrus.FieldLogger
}

// NewBulkClient creates a bulk catalog client.
func NewBulkClient(endpoint string, timeout time.Duration, ctrl *batch.Controller, policy *batch.Policy, log logrus.FieldLogger) *BulkClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BulkClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		ctrl:     ctrl,
		policy:   policy,
		log:      log,
	}
}

// FetchAll fetches every id, re-chunking with smaller batches whenever
// the server reports overload. Once the batch floor is reached, a
// further overload fails the remaining ids rather than shrinking again.
func (c *BulkClient) FetchAll(ctx context.Context, ids []string) (*BulkResult, error) {
	result := &BulkResult{Games: make(map[string]*model.Game)}
	remaining := ids

	for len(remaining) > 0 {
		chunks := c.ctrl.Chunks(remaining)
		overloaded := false
		var done int
		for _, chunk := range chunks {
			err := c.policy.Execute(ctx, func(ctx context.Context) error {
				return c.fetchChunk(ctx, chunk, result)
			})
			if errors.Is(err, batch.ErrOverloaded) {
				overloaded = true
				break
			}
			if err != nil {
				return result, fmt.Errorf("bulk fetch: %w", err)
			}
			done += len(chunk)
		}
		remaining = remaining[done:]
		if !overloaded {
			break
		}
		if !c.ctrl.Shrink() {
			return result, fmt.Errorf("bulk fetch: %w at batch floor %d", batch.ErrOverloaded, c.ctrl.Size())
		}
	}
	return result, nil
}

// bulkResponse is the endpoint's JSON shape: per-id success flag and
// payload, mirroring the catalog platform's appdetails contract.
type bulkResponse map[string]struct {
	Success bool        `json:"success"`
	Data    *model.Game `json:"data"`
}

func (c *BulkClient) fetchChunk(ctx context.Context, ids []string, result *BulkResult) error {
	q := url.Values{}
	q.Set("appids", strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "gamedex/1.0 (game metadata aggregator)")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := batch.ClassifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	var payload bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}

	for _, id := range ids {
		entry, ok := payload[id]
		if !ok || !entry.Success || entry.Data == nil {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		g := entry.Data
		g.AppID = id
		result.Games[id] = g
	}
	c.log.WithFields(logrus.Fields{"batch": len(ids), "ok": len(result.Games)}).Debug("Fetched bulk chunk")
	return nil
}
