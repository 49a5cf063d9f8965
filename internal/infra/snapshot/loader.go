// Package snapshot fetches full depth snapshots over REST.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 32 << 20

// depthResponse is the REST snapshot body.
type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Options configures a Loader.
type Options struct {
	Symbol  string
	URL     string
	Depth   int
	Timeout time.Duration // per attempt
	Retries int           // total attempts
	Backoff time.Duration // delay before attempt n is Backoff << (n-1)
}

// OptionsFromConfig builds Options for symbol from the service config.
func OptionsFromConfig(cfg *infra.Config, symbol string) Options {
	return Options{
		Symbol:  symbol,
		URL:     cfg.Feed.RestURL,
		Depth:   cfg.Feed.SnapshotDepth,
		Timeout: cfg.Feed.SnapshotTimeout,
		Retries: cfg.Feed.SnapshotRetries,
		Backoff: cfg.Feed.SnapshotBackoff,
	}
}

// Loader fetches snapshots for one symbol with bounded retries.
// The limiter may be shared between loaders to respect a per-host request budget.
type Loader struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewLoader creates a loader. A nil limiter disables rate limiting.
func NewLoader(opts Options, limiter *rate.Limiter, logger *slog.Logger) *Loader {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		opts:       opts,
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     logger.With(slog.String("module", "snapshot"), slog.String("symbol", opts.Symbol)),
	}
}

// NewLimiter returns a limiter allowing perSec requests per second with a burst of one.
func NewLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

// Load fetches a snapshot, retrying retriable failures with exponential backoff.
func (l *Loader) Load(ctx context.Context) (*domain.Snapshot, error) {
	var lastErr error
	attempts := 0
	for i := 0; i < l.opts.Retries; i++ {
		if i > 0 {
			delay := l.opts.Backoff << uint(i-1)
			l.logger.Info("Retrying snapshot fetch", slog.Int("attempt", i+1), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, &domain.SnapshotError{Symbol: l.opts.Symbol, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil, &domain.SnapshotError{Symbol: l.opts.Symbol, Attempts: attempts, Err: err}
			}
		}

		attempts++
		snap, err := l.fetch(ctx)
		if err == nil {
			l.logger.Info("Snapshot loaded",
				slog.Uint64("last_update_id", snap.LastUpdateID),
				slog.Int("bids", len(snap.Bids)),
				slog.Int("asks", len(snap.Asks)),
			)
			return snap, nil
		}
		lastErr = err
		l.logger.Warn("Snapshot fetch attempt failed",
			slog.Int("attempt", attempts),
			slog.Bool("malformed", IsParseFailure(err)),
			slog.Any("error", err),
		)

		if ctx.Err() != nil || !domain.IsRetriable(err) {
			break
		}
	}
	return nil, &domain.SnapshotError{Symbol: l.opts.Symbol, Attempts: attempts, Err: lastErr}
}

func (l *Loader) fetch(ctx context.Context) (*domain.Snapshot, error) {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	u, err := url.Parse(l.opts.URL)
	if err != nil {
		return nil, domain.NewFatalNetworkError("snapshot", err)
	}
	q := u.Query()
	q.Set("symbol", l.opts.Symbol)
	if l.opts.Depth > 0 {
		q.Set("limit", strconv.Itoa(l.opts.Depth))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("snapshot", err)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("snapshot", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, domain.NewFatalNetworkError("snapshot", statusErr)
		}
		return nil, domain.NewNetworkError("snapshot", statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewNetworkError("snapshot", err)
	}

	return decode(l.opts.Symbol, body)
}

// decode parses a snapshot body all-or-nothing. A malformed body is retriable.
func decode(symbol string, body []byte) (*domain.Snapshot, error) {
	var data depthResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, domain.NewNetworkError("snapshot", &domain.ParseError{Reason: "snapshot body", Err: err})
	}
	if data.LastUpdateID == 0 {
		return nil, domain.NewNetworkError("snapshot", &domain.ParseError{Reason: "missing lastUpdateId"})
	}

	bids, err := domain.ParseLevels(data.Bids)
	if err != nil {
		return nil, domain.NewNetworkError("snapshot", &domain.ParseError{Reason: "bids", Err: err})
	}
	asks, err := domain.ParseLevels(data.Asks)
	if err != nil {
		return nil, domain.NewNetworkError("snapshot", &domain.ParseError{Reason: "asks", Err: err})
	}

	return &domain.Snapshot{
		Symbol:       symbol,
		LastUpdateID: data.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		FetchedAt:    time.Now(),
	}, nil
}

// IsParseFailure reports whether err came from a malformed snapshot body.
func IsParseFailure(err error) bool {
	var pe *domain.ParseError
	return errors.As(err, &pe)
}
