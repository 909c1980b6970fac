package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSize         = 500
	DefaultFloor        = 50
	DefaultShrinkFactor = 0.8
)

// Controller partitions id lists into batches and shrinks the batch
// size when the server reports overload. It does no network I/O itself;
// callers re-chunk and re-issue after a shrink.
type Controller struct {
	size   int
	floor  int
	factor float64
	log    logrus.FieldLogger
}

// NewController creates a batch controller. Zero or negative arguments
// fall back to the defaults; the floor is never below 1.
func NewController(size, floor int, factor float64, log logrus.FieldLogger) *Controller {
	if size <= 0 {
		size = DefaultSize
	}
	if floor <= 0 {
		floor = DefaultFloor
	}
	if floor < 1 {
		floor = 1
	}
	if factor <= 0 || factor >= 1 {
		factor = DefaultShrinkFactor
	}
	if floor > size {
		floor = size
	}
	return &Controller{size: size, floor: floor, factor: factor, log: log}
}

// Size returns the current batch size.
func (c *Controller) Size() int {
	return c.size
}

// Chunks splits ids into batches of the current size.
func (c *Controller) Chunks(ids []string) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += c.size {
		end := start + c.size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Shrink reduces the batch size by the shrink factor. It returns false
// when the size was already at the floor, signalling the caller to stop
// shrinking and treat further overloads as failures.
func (c *Controller) Shrink() bool {
	if c.size <= c.floor {
		return false
	}
	next := int(float64(c.size) * c.factor)
	if next < c.floor {
		next = c.floor
	}
	if next < 1 {
		next = 1
	}
	c.log.WithFields(logrus.Fields{"from": c.size, "to": next}).Warn("Server overloaded, shrinking batch size")
	c.size = next
	return true
}

// ErrOverloaded marks a server-overload response. It is never retried
// in place: the policy propagates it so the controller can reshape
// future batches instead.
var ErrOverloaded = errors.New("server overloaded")

// ErrRateLimited marks a rate-limit response, retried with backoff.
var ErrRateLimited = errors.New("rate limited")

// HTTPError is a non-success HTTP status from a bulk call.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, http.StatusText(e.Status))
}

// ClassifyStatus maps an HTTP status code onto the retry taxonomy.
func ClassifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status %d)", ErrRateLimited, status)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w (status %d)", ErrOverloaded, status)
	default:
		return &HTTPError{Status: status}
	}
}

// Policy classifies call outcomes and drives backoff retries. Overload
// changes future batch shape and rate limiting only changes timing, so
// the two must never be conflated: overload propagates immediately,
// rate limits sleep and retry in place.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration

	log   logrus.FieldLogger
	sleep func(context.Context, time.Duration) error
}

// NewPolicy creates a retry policy.
func NewPolicy(maxRetries int, baseDelay time.Duration, log logrus.FieldLogger) *Policy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		log:        log,
		sleep:      sleepCtx,
	}
}

// Execute runs fn, retrying transient failures with exponential backoff
// (base * 2^attempt) up to MaxRetries. A server-overload outcome is
// returned immediately so the caller can shrink its batches. Exhausting
// retries returns the last error.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOverloaded) {
			return err
		}
		lastErr = err
		if attempt == p.MaxRetries {
			break
		}
		delay := p.BaseDelay * (1 << attempt)
		p.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warnf("Transient failure, retrying: %v", err)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
