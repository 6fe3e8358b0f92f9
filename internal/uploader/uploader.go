// Package uploader stages input images into the backend's storage service
// through its three-phase protocol: apply for an upload ticket, transfer the
// bytes with an integrity checksum, then commit the session. Each phase is
// required and a failure in any of them is fatal for that asset; retries, if
// desired, belong to the caller.
package uploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jimengapi/jimeng-go/internal/api"
	"github.com/jimengapi/jimeng-go/internal/signer"
)

const (
	applyHostCN = "https://imagex.bytedanceapi.com"
	applyHostUS = "https://imagex-ap-singapore-1.bytedanceapi.com"

	storageAPIVersion = "2018-08-01"

	// commitAccepted is the only per-file status the commit phase accepts.
	commitAccepted = 2000
)

// Static errors for the upload protocol.
var (
	// ErrTicketIncomplete is returned when the upload ticket lacks one of
	// its three credential fields.
	ErrTicketIncomplete = errors.New("uploader: upload ticket missing credential fields")
	// ErrApplyRejected is returned when the apply phase yields no upload
	// address.
	ErrApplyRejected = errors.New("uploader: apply upload rejected")
	// ErrPutFailed is returned when the binary transfer gets a non-2xx
	// response.
	ErrPutFailed = errors.New("uploader: binary upload failed")
	// ErrCommitRejected is returned when the commit status sentinel does not
	// match.
	ErrCommitRejected = errors.New("uploader: commit upload rejected")
)

// ticket is the ephemeral storage credential obtained once per asset. It
// authorizes exactly two signed calls and one checksummed PUT, and is
// discarded afterwards.
type ticket struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	ServiceID       string `json:"service_id"`
	SpaceName       string `json:"space_name"`
}

func (t ticket) serviceID() string {
	if t.ServiceID != "" {
		return t.ServiceID
	}
	return t.SpaceName
}

// Uploader converts image bytes into a storage URI accepted by the
// generation payload.
type Uploader struct {
	gateway   *api.Client
	http      *http.Client
	logger    *slog.Logger
	now       func() time.Time
	applyBase string

	// rand is shared by concurrent uploads; nonce generation locks it.
	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient sets the HTTP client used for the storage calls.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) {
		if c != nil {
			u.http = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithRand injects the randomness source used for the upload nonce.
func WithRand(r *rand.Rand) Option {
	return func(u *Uploader) {
		if r != nil {
			u.rand = r
		}
	}
}

// WithNow injects the clock used for signing timestamps.
func WithNow(now func() time.Time) Option {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// WithApplyBase overrides the storage host for apply and commit calls.
// Tests point this at a local fake.
func WithApplyBase(base string) Option {
	return func(u *Uploader) { u.applyBase = strings.TrimSuffix(base, "/") }
}

// New creates an Uploader that obtains tickets through the given gateway.
func New(gateway *api.Client, opts ...Option) *Uploader {
	u := &Uploader{
		gateway: gateway,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  slog.Default(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadSource normalizes a string image source and uploads the bytes.
func (u *Uploader) UploadSource(ctx context.Context, source, token string) (string, error) {
	data, err := u.Resolve(ctx, source)
	if err != nil {
		return "", err
	}
	return u.Upload(ctx, data, token)
}

// Upload runs the apply, put, commit sequence for one asset and returns the
// storage URI the generation payload references.
func (u *Uploader) Upload(ctx context.Context, data []byte, token string) (string, error) {
	us := api.IsUSToken(token)
	u.logger.Info("uploading image",
		slog.Int("size", len(data)),
		slog.Bool("us", us),
	)

	tk, err := u.fetchTicket(ctx, token)
	if err != nil {
		return "", err
	}

	addr, err := u.apply(ctx, tk, token, len(data))
	if err != nil {
		return "", err
	}

	if err := u.put(ctx, addr, data); err != nil {
		return "", err
	}

	return u.commit(ctx, tk, token, addr.SessionKey)
}

// fetchTicket obtains the short-lived storage credential from the main API.
func (u *Uploader) fetchTicket(ctx context.Context, token string) (ticket, error) {
	data, err := u.gateway.Do(ctx, "POST", "/mweb/v1/get_upload_token", token, api.RequestOptions{
		JSON: map[string]any{"scene": 2},
	})
	if err != nil {
		return ticket{}, fmt.Errorf("uploader: get upload token: %w", err)
	}

	var tk ticket
	if err := json.Unmarshal(data, &tk); err != nil {
		return ticket{}, fmt.Errorf("uploader: decode upload token: %w", err)
	}
	if tk.AccessKeyID == "" || tk.SecretAccessKey == "" || tk.SessionToken == "" {
		return ticket{}, ErrTicketIncomplete
	}
	return tk, nil
}

// uploadAddress is the storage destination granted by the apply phase.
type uploadAddress struct {
	StoreURI   string
	Auth       string
	UploadHost string
	SessionKey string
}

func (u *Uploader) apply(ctx context.Context, tk ticket, token string, size int) (uploadAddress, error) {
	timestamp := u.now().UTC().Format("20060102T150405Z")

	applyURL := fmt.Sprintf("%s/?Action=ApplyImageUpload&Version=%s&ServiceId=%s&FileSize=%d&s=%s",
		u.base(token), storageAPIVersion, tk.serviceID(), size, u.nonce(10))
	if api.IsUSToken(token) {
		applyURL += "&device_platform=web"
	}

	sigHeaders := map[string]string{
		"x-amz-date":           timestamp,
		"x-amz-security-token": tk.SessionToken,
	}
	authorization, err := signer.Sign("GET", applyURL, sigHeaders, tk.AccessKeyID, tk.SecretAccessKey, tk.SessionToken, nil)
	if err != nil {
		return uploadAddress{}, fmt.Errorf("uploader: sign apply: %w", err)
	}

	origin := api.WebOrigin(token)
	body, err := u.storageCall(ctx, "GET", applyURL, nil, map[string]string{
		"accept":               "*/*",
		"authorization":        authorization,
		"origin":               origin,
		"referer":              origin + "/ai-tool/generate",
		"x-amz-date":           timestamp,
		"x-amz-security-token": tk.SessionToken,
	})
	if err != nil {
		return uploadAddress{}, fmt.Errorf("uploader: apply: %w", err)
	}

	var resp struct {
		Result struct {
			UploadAddress *struct {
				StoreInfos []struct {
					StoreURI string `json:"StoreUri"`
					Auth     string `json:"Auth"`
				} `json:"StoreInfos"`
				UploadHosts []string `json:"UploadHosts"`
				SessionKey  string   `json:"SessionKey"`
			} `json:"UploadAddress"`
		} `json:"Result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return uploadAddress{}, fmt.Errorf("%w: %s", ErrApplyRejected, truncate(body))
	}
	ua := resp.Result.UploadAddress
	if ua == nil || len(ua.StoreInfos) == 0 || len(ua.UploadHosts) == 0 {
		return uploadAddress{}, fmt.Errorf("%w: %s", ErrApplyRejected, truncate(body))
	}

	return uploadAddress{
		StoreURI:   ua.StoreInfos[0].StoreURI,
		Auth:       ua.StoreInfos[0].Auth,
		UploadHost: ua.UploadHosts[0],
		SessionKey: ua.SessionKey,
	}, nil
}

// put transfers the bytes with the ticket's one-time authorization and a
// CRC32 integrity header. This layer never retries a failed PUT.
func (u *Uploader) put(ctx context.Context, addr uploadAddress, data []byte) error {
	putURL := fmt.Sprintf("%s/upload/v1/%s", hostURL(addr.UploadHost), addr.StoreURI)

	req, err := http.NewRequestWithContext(ctx, "POST", putURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("uploader: create put request: %w", err)
	}
	req.Header.Set("Authorization", addr.Auth)
	req.Header.Set("Content-CRC32", crc32Hex(data))
	req.Header.Set("Content-Disposition", `attachment; filename="upload.bin"`)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", uploadUserAgent)

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%w: status %d: %s", ErrPutFailed, resp.StatusCode, snippet)
	}
	return nil
}

// commit finalizes the upload session. The payload hash header must cover
// the exact JSON bytes sent, so the body is marshalled once and reused.
func (u *Uploader) commit(ctx context.Context, tk ticket, token, sessionKey string) (string, error) {
	commitURL := fmt.Sprintf("%s/?Action=CommitImageUpload&Version=%s&ServiceId=%s",
		u.base(token), storageAPIVersion, tk.serviceID())

	payload, err := json.Marshal(map[string]string{"SessionKey": sessionKey})
	if err != nil {
		return "", fmt.Errorf("uploader: marshal commit payload: %w", err)
	}
	payloadHash := sha256Hex(payload)
	timestamp := u.now().UTC().Format("20060102T150405Z")

	sigHeaders := map[string]string{
		"x-amz-date":           timestamp,
		"x-amz-security-token": tk.SessionToken,
		"x-amz-content-sha256": payloadHash,
	}
	authorization, err := signer.Sign("POST", commitURL, sigHeaders, tk.AccessKeyID, tk.SecretAccessKey, tk.SessionToken, payload)
	if err != nil {
		return "", fmt.Errorf("uploader: sign commit: %w", err)
	}

	body, err := u.storageCall(ctx, "POST", commitURL, payload, map[string]string{
		"authorization":        authorization,
		"content-type":         "application/json",
		"x-amz-date":           timestamp,
		"x-amz-security-token": tk.SessionToken,
		"x-amz-content-sha256": payloadHash,
	})
	if err != nil {
		return "", fmt.Errorf("uploader: commit: %w", err)
	}

	var resp struct {
		Result struct {
			Results []struct {
				URI       string `json:"Uri"`
				URIStatus int    `json:"UriStatus"`
			} `json:"Results"`
		} `json:"Result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.Results) == 0 {
		return "", fmt.Errorf("%w: %s", ErrCommitRejected, truncate(body))
	}
	result := resp.Result.Results[0]
	if result.URIStatus != commitAccepted {
		return "", fmt.Errorf("%w: uri status %d: %s", ErrCommitRejected, result.URIStatus, truncate(body))
	}
	return result.URI, nil
}

// storageCall issues one HTTP call against the storage host and returns the
// body of a 2xx response.
func (u *Uploader) storageCall(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", uploadUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data))
	}
	return data, nil
}

// Resolve normalizes an image source into raw bytes. Exactly one read path
// is taken: an HTTP(S) URL is fetched, an existing filesystem path is read,
// anything else is decoded as base64 (a data-URI header, if present, is
// stripped first).
func (u *Uploader) Resolve(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return u.fetch(ctx, source)
	}

	if _, err := os.Stat(source); err == nil {
		data, err := os.ReadFile(source) // #nosec G304 - path supplied by the caller
		if err != nil {
			return nil, fmt.Errorf("uploader: read file: %w", err)
		}
		return data, nil
	}

	payload := source
	if strings.HasPrefix(payload, "data:") {
		if _, rest, ok := strings.Cut(payload, ","); ok {
			payload = rest
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("uploader: decode base64 source: %w", err)
	}
	return data, nil
}

func (u *Uploader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("uploader: create fetch request: %w", err)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploader: fetch source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("uploader: fetch source: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("uploader: read source: %w", err)
	}
	return data, nil
}

func (u *Uploader) base(token string) string {
	if u.applyBase != "" {
		return u.applyBase
	}
	if api.IsUSToken(token) {
		return applyHostUS
	}
	return applyHostCN
}

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func (u *Uploader) nonce(n int) string {
	u.randMu.Lock()
	defer u.randMu.Unlock()
	b := make([]byte, n)
	for i := range b {
		b[i] = nonceAlphabet[u.rand.Intn(len(nonceAlphabet))]
	}
	return string(b)
}

// hostURL accepts hosts with or without a scheme; the apply response carries
// bare hostnames in production.
func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// crc32Hex is the 8-digit lowercase hex IEEE checksum the storage service
// verifies on the binary PUT.
func crc32Hex(data []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}

const uploadUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
