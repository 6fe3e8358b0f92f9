// Package jimeng is the caller-facing client for the generation backend. It
// wires the session pool, the signed HTTP gateway, the image uploader and the
// polling loop into the operations a caller sees: image generation,
// multi-image composition, video generation, balance, liveness and export.
package jimeng

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jimengapi/jimeng-go/internal/api"
	"github.com/jimengapi/jimeng-go/internal/poller"
	"github.com/jimengapi/jimeng-go/internal/session"
	"github.com/jimengapi/jimeng-go/internal/storage"
	"github.com/jimengapi/jimeng-go/internal/uploader"
)

// Static errors for the client surface.
var (
	// ErrNoHistoryID is returned when a submission is accepted but carries no
	// job handle to poll.
	ErrNoHistoryID = errors.New("jimeng: submission returned no history id")
	// ErrNoResults is returned when polling ends without any extractable
	// media URL.
	ErrNoResults = errors.New("jimeng: generation produced no results")
	// ErrRecordMissing is returned when the history endpoint answers without
	// the requested record.
	ErrRecordMissing = errors.New("jimeng: history record not found")
	// ErrNoStorage is returned by Export when no storage was configured.
	ErrNoStorage = errors.New("jimeng: no storage configured")
)

// Client is the entry point of the library. It is safe for concurrent use.
type Client struct {
	sessions *session.Pool
	gateway  *api.Client
	uploader *uploader.Uploader
	store    storage.Storage
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	// rand is shared by concurrent operations (seeds, draft ids) and is not
	// itself safe, so it carries its own lock.
	randMu sync.Mutex
	rand   *rand.Rand

	pollInterval time.Duration
	pollTimeout  time.Duration
	maxPollCount int
	stableRounds int
	pollOpts     []poller.Option
}

// Option configures a Client.
type Option func(*Client)

// WithTokens seeds the session pool.
func WithTokens(tokens ...string) Option {
	return func(c *Client) { c.sessions.Set(tokens) }
}

// WithGateway replaces the HTTP gateway. Tests point it at a local server.
func WithGateway(gw *api.Client) Option {
	return func(c *Client) {
		if gw != nil {
			c.gateway = gw
		}
	}
}

// WithUploader replaces the image uploader.
func WithUploader(u *uploader.Uploader) Option {
	return func(c *Client) {
		if u != nil {
			c.uploader = u
		}
	}
}

// WithStorage sets the export destination for generated media.
func WithStorage(s storage.Storage) Option {
	return func(c *Client) { c.store = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRand injects the randomness source used for seeds and draft IDs.
func WithRand(r *rand.Rand) Option {
	return func(c *Client) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithNow injects the clock used for result timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPollSettings tunes the image polling loop.
func WithPollSettings(interval, timeout time.Duration, maxRounds, stableRounds int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if timeout > 0 {
			c.pollTimeout = timeout
		}
		if maxRounds > 0 {
			c.maxPollCount = maxRounds
		}
		if stableRounds > 0 {
			c.stableRounds = stableRounds
		}
	}
}

// WithPollOptions appends raw poller options to every poll. Tests use it to
// inject a fake clock.
func WithPollOptions(opts ...poller.Option) Option {
	return func(c *Client) { c.pollOpts = append(c.pollOpts, opts...) }
}

// New creates a Client. At least one session token must be supplied through
// WithTokens before the generation operations can run.
func New(opts ...Option) *Client {
	c := &Client{
		sessions:     session.NewPool(nil),
		validate:     validator.New(),
		logger:       slog.Default(),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
		pollInterval: 2 * time.Second,
		pollTimeout:  5 * time.Minute,
		maxPollCount: 30,
		stableRounds: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gateway == nil {
		c.gateway = api.NewClient(api.WithLogger(c.logger))
	}
	if c.uploader == nil {
		c.uploader = uploader.New(c.gateway, uploader.WithLogger(c.logger))
	}
	return c
}

// Sessions exposes the token pool for runtime membership changes.
func (c *Client) Sessions() *session.Pool { return c.sessions }

// GetBalance reads the credit balance of the given tokens, or of every
// pooled token when none are given.
func (c *Client) GetBalance(ctx context.Context, tokens ...string) ([]Balance, error) {
	list := tokens
	if len(list) == 0 {
		list = c.sessions.Tokens()
	}
	if len(list) == 0 {
		return nil, session.ErrNoSession
	}

	balances := make([]Balance, 0, len(list))
	for _, token := range list {
		credit, err := c.gateway.GetCredit(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("jimeng: balance for token: %w", err)
		}
		balances = append(balances, Balance{
			Token:    token,
			Gift:     credit.Gift,
			Purchase: credit.Purchase,
			VIP:      credit.VIP,
			Total:    credit.Total(),
		})
	}
	return balances, nil
}

// CheckAlive probes whether a usable session exists. With arguments it
// checks the first given token, otherwise one picked from the pool.
func (c *Client) CheckAlive(ctx context.Context, tokens ...string) (bool, error) {
	token, err := c.sessions.Choose(tokens...)
	if err != nil {
		return false, err
	}
	return c.gateway.TokenLive(ctx, token)
}

// Export downloads every item of a result and writes it to the configured
// storage, returning the final locations in item order. Items carrying
// inline base64 are decoded instead of downloaded.
func (c *Client) Export(ctx context.Context, result *GenerateResult, prefix string) ([]string, error) {
	if c.store == nil {
		return nil, ErrNoStorage
	}
	if result == nil || len(result.Data) == 0 {
		return nil, ErrNoResults
	}
	if prefix == "" {
		prefix = "jimeng"
	}

	locations := make([]string, 0, len(result.Data))
	for i, item := range result.Data {
		var (
			data []byte
			ext  string
			err  error
		)
		switch {
		case item.URL != "":
			data, err = c.download(ctx, item.URL)
			ext = urlExt(item.URL)
		case item.B64JSON != "":
			data, err = base64.StdEncoding.DecodeString(item.B64JSON)
			ext = ".bin"
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("jimeng: export item %d: %w", i, err)
		}

		name := fmt.Sprintf("%s_%d%s", prefix, i, ext)
		location, err := c.store.Save(ctx, name, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("jimeng: export item %d: %w", i, err)
		}
		locations = append(locations, location)
	}
	if len(locations) == 0 {
		return nil, ErrNoResults
	}
	return locations, nil
}

// download fetches a media URL without API decoration.
func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.gateway.Stream(ctx, "GET", rawURL, "", api.RequestOptions{
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// formatItems renders URLs in the requested response format, downloading and
// encoding each one when inline base64 was asked for.
func (c *Client) formatItems(ctx context.Context, urls []string, format string) ([]Item, error) {
	items := make([]Item, 0, len(urls))
	for _, u := range urls {
		if format != FormatBase64 {
			items = append(items, Item{URL: u})
			continue
		}
		data, err := c.download(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("jimeng: fetch media for b64_json: %w", err)
		}
		items = append(items, Item{B64JSON: base64.StdEncoding.EncodeToString(data)})
	}
	return items, nil
}

// ensureCredit claims the daily grant when the account balance is exhausted.
// A failed claim is logged and the generation is still attempted; the backend
// gives the authoritative refusal.
func (c *Client) ensureCredit(ctx context.Context, token string) {
	credit, err := c.gateway.GetCredit(ctx, token)
	if err != nil {
		c.logger.Warn("credit check failed", slog.String("error", err.Error()))
		return
	}
	if credit.Total() > 0 {
		return
	}
	c.logger.Info("credit exhausted, claiming daily grant")
	if err := c.gateway.ReceiveCredit(ctx, token); err != nil {
		c.logger.Warn("credit claim failed", slog.String("error", err.Error()))
	}
}

// poll runs the polling loop over the history record behind historyID and
// keeps the last parsed record for URL extraction.
func (c *Client) poll(ctx context.Context, historyID, token string, withImageInfo bool, opts ...poller.Option) (poller.Result, *historyRecord, error) {
	base := []poller.Option{
		poller.WithInterval(c.pollInterval),
		poller.WithTimeout(c.pollTimeout),
		poller.WithMaxPollCount(c.maxPollCount),
		poller.WithStableRounds(c.stableRounds),
		poller.WithLogger(c.logger),
	}
	base = append(base, opts...)
	base = append(base, c.pollOpts...)
	p := poller.New(base...)

	var last *historyRecord
	fetch := func(ctx context.Context) (poller.Snapshot, error) {
		rec, err := c.fetchHistory(ctx, historyID, token, withImageInfo)
		if err != nil {
			return poller.Snapshot{}, err
		}
		last = rec
		return poller.Snapshot{
			Status:    rec.Status,
			FailCode:  string(rec.FailCode),
			ItemCount: len(rec.ItemList),
			HistoryID: historyID,
		}, nil
	}

	result, err := p.Poll(ctx, fetch)
	if err != nil {
		return poller.Result{}, nil, err
	}
	return result, last, nil
}

// fetchHistory reads one history record. Image jobs attach the rendering
// descriptor so the record carries full-size image URLs; video jobs do not.
func (c *Client) fetchHistory(ctx context.Context, historyID, token string, withImageInfo bool) (*historyRecord, error) {
	payload := map[string]any{"history_ids": []string{historyID}}
	if withImageInfo {
		payload["image_info"] = historyImageInfo
	}

	data, err := c.gateway.Do(ctx, "POST", "/mweb/v1/get_history_by_ids", token, api.RequestOptions{
		JSON: payload,
	})
	if err != nil {
		return nil, err
	}
	return parseHistoryRecord(data, historyID)
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".bin"
}
