// Package duolingo implements the off-chain profile client against the
// public Duolingo HTTP API.
package duolingo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/encody/duopow/observability"
)

const (
	// DefaultBaseURL is the versioned API root the client talks to.
	DefaultBaseURL = "https://www.duolingo.com/2017-06-30"

	defaultUserAgent = "duopow-bot/0.2.0"
	defaultTimeout   = 15 * time.Second
	maxBodyBytes     = 1 << 20 // 1 MiB
)

// ErrNotFound indicates the requested user does not exist. A users lookup
// returning an empty collection maps here, not to a transport error.
var ErrNotFound = errors.New("duolingo: user not found")

// Identity is an immutable snapshot of an off-chain account. It is fetched
// per request and never cached; the XP counter and bio may change between
// reads.
type Identity struct {
	ExternalID uint64
	Handle     string
	Bio        string
	TotalXP    uint64
}

// Client issues request/response calls against the profile API. It is
// stateless per call and safe for concurrent use; the only shared pieces are
// the connection pool and the outbound rate limiter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	metrics    *observability.ProfileAPIMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, primarily for tests.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithHTTPClient installs a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithTimeout overrides the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRateLimit caps outbound requests. Zero or negative perMinute disables
// the limiter.
func WithRateLimit(perMinute float64, burst int) Option {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
	}
}

// WithMetrics installs API instrumentation.
func WithMetrics(m *observability.ProfileAPIMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a profile client with instrumented transport defaults.
func New(opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:   DefaultBaseURL,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

type userPayload struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Bio      string `json:"bio"`
	TotalXP  uint64 `json:"totalXp"`
}

func (p userPayload) identity() Identity {
	return Identity{
		ExternalID: p.ID,
		Handle:     p.Username,
		Bio:        p.Bio,
		TotalXP:    p.TotalXP,
	}
}

// FetchByHandle looks up a single identity by public handle. The remote API
// returns a collection; an empty collection is ErrNotFound. When more than
// one user matches, the first entry wins.
func (c *Client) FetchByHandle(ctx context.Context, handle string) (Identity, error) {
	endpoint := c.baseURL + "/users?username=" + url.QueryEscape(handle)
	var envelope struct {
		Users []userPayload `json:"users"`
	}
	if err := c.get(ctx, "users_by_handle", endpoint, "", &envelope); err != nil {
		return Identity{}, fmt.Errorf("fetch user %q: %w", handle, err)
	}
	if len(envelope.Users) == 0 {
		return Identity{}, ErrNotFound
	}
	return envelope.Users[0].identity(), nil
}

// FetchXP reads just the XP counter for an account, avoiding a full profile
// fetch during reconciliation.
func (c *Client) FetchXP(ctx context.Context, externalID uint64) (uint64, error) {
	endpoint := c.baseURL + "/users/" + strconv.FormatUint(externalID, 10) + "?fields=totalXp"
	var payload struct {
		TotalXP uint64 `json:"totalXp"`
	}
	if err := c.get(ctx, "user_xp", endpoint, "", &payload); err != nil {
		return 0, fmt.Errorf("fetch xp for %d: %w", externalID, err)
	}
	return payload.TotalXP, nil
}

// FetchByIDAuthenticated reads the full profile using a bearer credential
// scoped to the account. Used only during the linking flow to read the bio
// that will be rewritten.
func (c *Client) FetchByIDAuthenticated(ctx context.Context, externalID uint64, credential string) (Identity, error) {
	endpoint := c.baseURL + "/users/" + strconv.FormatUint(externalID, 10)
	var payload userPayload
	if err := c.get(ctx, "user_authenticated", endpoint, credential, &payload); err != nil {
		return Identity{}, fmt.Errorf("fetch profile %d: %w", externalID, err)
	}
	return payload.identity(), nil
}

// WriteBio overwrites the bio field of an account. The call is not
// idempotent from this system's point of view: the remote bio may change
// between a read and this write, so callers must compute newBio with the
// substitute-or-append policy rather than blind concatenation.
func (c *Client) WriteBio(ctx context.Context, externalID uint64, credential, newBio string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	endpoint := c.baseURL + "/users/" + strconv.FormatUint(externalID, 10) + "?fields=bio"
	body, err := json.Marshal(map[string]string{"bio": newBio})
	if err != nil {
		return fmt.Errorf("encode bio: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Observe("write_bio", "transport_error", time.Since(started))
		return fmt.Errorf("write bio for %d: %w", externalID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.Observe("write_bio", "http_error", time.Since(started))
		return fmt.Errorf("write bio for %d: unexpected status %d", externalID, resp.StatusCode)
	}
	c.metrics.Observe("write_bio", "success", time.Since(started))
	return nil
}

func (c *Client) get(ctx context.Context, endpointName, endpoint, credential string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Observe(endpointName, "transport_error", time.Since(started))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.Observe(endpointName, "http_error", time.Since(started))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.Observe(endpointName, "transport_error", time.Since(started))
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.metrics.Observe(endpointName, "decode_error", time.Since(started))
		return fmt.Errorf("decode response: %w", err)
	}
	c.metrics.Observe(endpointName, "success", time.Since(started))
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
