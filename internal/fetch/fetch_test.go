package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/batch"
	"github.com/TobiSchelling/gamedex/internal/model"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// bulkServer answers the appdetails-style endpoint. Behavior is driven
// by the decide hook so tests can fail specific requests.
func bulkServer(t *testing.T, decide func(ids []string, calls int) int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		ids := strings.Split(r.URL.Query().Get("appids"), ",")
		if status := decide(ids, calls); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var sb strings.Builder
		sb.WriteString("{")
		for i, id := range ids {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `%q: {"success": true, "data": {"name": "Game %s"}}`, id, id)
		}
		sb.WriteString("}")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, sb.String())
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(endpoint string, ctrl *batch.Controller, maxRetries int) *BulkClient {
	policy := batch.NewPolicy(maxRetries, time.Millisecond, testLogger())
	return NewBulkClient(endpoint, 5*time.Second, ctrl, policy, testLogger())
}

func idRange(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(1000 + i)
	}
	return ids
}

func TestFetchAllSingleBatch(t *testing.T) {
	srv, calls := bulkServer(t, func(ids []string, calls int) int { return http.StatusOK })
	ctrl := batch.NewController(500, 50, 0.8, testLogger())

	result, err := newClient(srv.URL, ctrl, 3).FetchAll(context.Background(), idRange(10))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(result.Games) != 10 || len(result.NotFound) != 0 {
		t.Errorf("got %d games, %d not found", len(result.Games), len(result.NotFound))
	}
	if g := result.Games["1000"]; g == nil || g.AppID != "1000" {
		t.Errorf("app id not stamped onto record: %+v", result.Games["1000"])
	}
	if *calls != 1 {
		t.Errorf("expected 1 request, got %d", *calls)
	}
}

func TestFetchAllShrinksOnOverload(t *testing.T) {
	// The server rejects any batch larger than 400 ids with 503. The
	// client must shrink from 500 to 400 and re-chunk the remainder.
	srv, _ := bulkServer(t, func(ids []string, calls int) int {
		if len(ids) > 400 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	ctrl := batch.NewController(500, 50, 0.8, testLogger())

	result, err := newClient(srv.URL, ctrl, 3).FetchAll(context.Background(), idRange(600))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(result.Games) != 600 {
		t.Errorf("expected all 600 ids fetched, got %d", len(result.Games))
	}
	if ctrl.Size() != 400 {
		t.Errorf("expected controller at size 400, got %d", ctrl.Size())
	}
}

func TestFetchAllFailsAtBatchFloor(t *testing.T) {
	srv, _ := bulkServer(t, func(ids []string, calls int) int {
		return http.StatusServiceUnavailable
	})
	ctrl := batch.NewController(50, 50, 0.8, testLogger())

	_, err := newClient(srv.URL, ctrl, 3).FetchAll(context.Background(), idRange(100))
	if !errors.Is(err, batch.ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded at floor, got %v", err)
	}
	if !strings.Contains(err.Error(), "batch floor") {
		t.Errorf("error should name the batch floor: %v", err)
	}
}

func TestFetchAllRetriesRateLimit(t *testing.T) {
	srv, calls := bulkServer(t, func(ids []string, calls int) int {
		if calls <= 2 {
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	ctrl := batch.NewController(500, 50, 0.8, testLogger())

	result, err := newClient(srv.URL, ctrl, 3).FetchAll(context.Background(), idRange(5))
	if err != nil {
		t.Fatalf("fetch failed after rate limits: %v", err)
	}
	if len(result.Games) != 5 {
		t.Errorf("expected 5 games, got %d", len(result.Games))
	}
	if *calls != 3 {
		t.Errorf("expected 3 requests (2 rate-limited, 1 ok), got %d", *calls)
	}
	if ctrl.Size() != 500 {
		t.Errorf("rate limits must not shrink the batch, size now %d", ctrl.Size())
	}
}

func TestFetchAllReportsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"100": {"success": true, "data": {"name": "Known"}},
			"200": {"success": false}
		}`)
	}))
	t.Cleanup(srv.Close)
	ctrl := batch.NewController(500, 50, 0.8, testLogger())

	result, err := newClient(srv.URL, ctrl, 3).FetchAll(context.Background(), []string{"100", "200", "300"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(result.Games) != 1 {
		t.Errorf("expected 1 game, got %d", len(result.Games))
	}
	want := []string{"200", "300"}
	if len(result.NotFound) != 2 || result.NotFound[0] != want[0] || result.NotFound[1] != want[1] {
		t.Errorf("not-found = %v, want %v", result.NotFound, want)
	}
}

type registeredFetcher struct{}

func (r *registeredFetcher) FetchFreeGame(ctx context.Context, url string) (*model.FreeGame, error) {
	return nil, ErrNotFound
}

func TestFreeFetcherRegistry(t *testing.T) {
	if _, ok := NewFreeFetcher("itch", time.Second, testLogger()); ok {
		t.Fatal("unregistered platform must report no fetcher")
	}

	want := &registeredFetcher{}
	var gotTimeout time.Duration
	RegisterFreeFetcher("itch", func(timeout time.Duration, log logrus.FieldLogger) FreeFetcher {
		gotTimeout = timeout
		return want
	})
	t.Cleanup(func() { delete(freeFetcherFactories, "itch") })

	got, ok := NewFreeFetcher("itch", 15*time.Second, testLogger())
	if !ok || got != FreeFetcher(want) {
		t.Error("registered fetcher not constructed")
	}
	if gotTimeout != 15*time.Second {
		t.Errorf("timeout not threaded through: %v", gotTimeout)
	}
}

func TestFetchAllPermanentErrorPropagates(t *testing.T) {
	srv, _ := bulkServer(t, func(ids []string, calls int) int {
		return http.StatusForbidden
	})
	ctrl := batch.NewController(500, 50, 0.8, testLogger())

	_, err := newClient(srv.URL, ctrl, 1).FetchAll(context.Background(), idRange(5))
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	var httpErr *batch.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusForbidden {
		t.Errorf("expected HTTPError with status 403, got %v", err)
	}
}
