package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// positiveTokenTTL is how long a token that just worked is reused without
// consulting the lifecycle layer again.
const positiveTokenTTL = 30 * time.Second

// Client talks to one configured upstream provider account.
type Client struct {
	cfg        config.Provider
	profile    ServiceProfile
	httpClient *http.Client
	tokens     *lifecycle.Manager
	desc       store.Descriptor
	limiter    *rate.Limiter

	mu          sync.Mutex
	cachedCreds credentials
	cachedUntil time.Time
}

type credentials struct {
	value     string
	projectID string
}

// NewClient builds a provider client from its config entry. tokens may be nil
// for pure API-key providers.
func NewClient(cfg config.Provider, tokens *lifecycle.Manager, httpClient *http.Client) (*Client, error) {
	profile, err := ProfileFor(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		profile.BaseURL = cfg.BaseURL
	}
	if cfg.TimeoutSeconds > 0 {
		profile.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		cfg:        cfg,
		profile:    profile,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	if cfg.Auth.Type == "oauth" {
		if tokens == nil {
			return nil, routeerr.New(routeerr.CodeInvalidConfig, "provider %s: oauth auth requires a token manager", cfg.ID)
		}
		c.desc = store.NewDescriptor(cfg.Provider, cfg.Auth.Alias, cfg.Auth.Sequence)
	}
	return c, nil
}

// Provider returns the provider family key.
func (c *Client) Provider() string { return c.profile.Provider }

// Model returns the default model configured for this account.
func (c *Client) Model() string { return c.cfg.Model }

// SetRateLimit installs a client-side request rate cap.
func (c *Client) SetRateLimit(perSecond float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// credential resolves the Authorization value, serving recent positives from
// a small cache so the hot path skips the lifecycle layer.
func (c *Client) credential(ctx context.Context) (credentials, error) {
	if c.cfg.Auth.Type == "apikey" || c.cfg.Auth.Type == "" {
		if c.cfg.Auth.APIKey == "" && c.profile.Provider != "lmstudio" {
			return credentials{}, routeerr.New(routeerr.CodeAuthMissing, "provider %s: no api key configured", c.cfg.ID)
		}
		return credentials{value: c.cfg.Auth.APIKey}, nil
	}

	c.mu.Lock()
	if c.cachedCreds.value != "" && time.Now().Before(c.cachedUntil) {
		creds := c.cachedCreds
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	record, _, err := c.tokens.EnsureValidToken(ctx, c.desc, lifecycle.Options{})
	if err != nil {
		return credentials{}, err
	}
	creds := credentials{projectID: record.ProjectID}
	// Some providers derive a dedicated API key from the OAuth session.
	if record.APIKey != "" {
		creds.value = record.APIKey
	} else {
		creds.value = record.AccessToken
	}
	if creds.value == "" {
		return credentials{}, routeerr.New(routeerr.CodeAuthMissing, "provider %s: token record has no usable credential", c.cfg.ID)
	}
	c.mu.Lock()
	c.cachedCreds = creds
	c.cachedUntil = time.Now().Add(positiveTokenTTL)
	c.mu.Unlock()
	return creds, nil
}

func (c *Client) invalidateCredential() {
	c.mu.Lock()
	c.cachedCreds = credentials{}
	c.cachedUntil = time.Time{}
	c.mu.Unlock()
}

func (c *Client) endpointURL() string {
	return strings.TrimSuffix(c.profile.BaseURL, "/") + c.profile.Endpoint
}

func (c *Client) newRequest(ctx context.Context, doc []byte, creds credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(), bytes.NewReader(doc))
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "provider %s: build request", c.cfg.ID)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.profile.UserAgent != "" {
		req.Header.Set("User-Agent", c.profile.UserAgent)
	}
	for k, v := range c.profile.Headers {
		req.Header.Set(k, v)
	}
	if creds.value != "" {
		if c.profile.Provider == "anthropic" {
			req.Header.Set("x-api-key", creds.value)
		} else {
			req.Header.Set("Authorization", c.profile.AuthPrefix+creds.value)
		}
	}
	if c.profile.RequiresProjectID && creds.projectID != "" {
		req.Header.Set("X-Goog-User-Project", creds.projectID)
	}
	return req, nil
}

// Execute sends a buffered request and returns the raw response body.
// One retry happens after a successful token repair, and one more after a
// retryable transport failure.
func (c *Client) Execute(ctx context.Context, doc []byte) ([]byte, error) {
	body, _, err := c.roundTrip(ctx, doc, true)
	return body, err
}

// OpenStream sends a streaming request and hands back the live response. The
// caller owns the body.
func (c *Client) OpenStream(ctx context.Context, doc []byte) (*http.Response, error) {
	_, resp, err := c.roundTrip(ctx, doc, false)
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, doc []byte, buffered bool) ([]byte, *http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, routeerr.Wrap(routeerr.CodeTimeout, err, "provider %s: rate limit wait", c.cfg.ID)
	}

	authRetried := false
	transportRetried := false
	for {
		body, resp, err := c.attempt(ctx, doc, buffered)
		if err == nil {
			return body, resp, nil
		}

		if routeerr.IsAuthError(err) && !authRetried && c.cfg.Auth.Type == "oauth" {
			authRetried = true
			c.invalidateCredential()
			statusCode := routeerr.StatusOf(err)
			if c.tokens.HandleUpstreamInvalidToken(ctx, c.desc, statusCode, []byte(err.Error())) {
				log.Infof("provider %s: token repaired, retrying request once", c.cfg.ID)
				continue
			}
			routeerr.Report("provider."+c.profile.Provider, err)
			return nil, nil, err
		}

		if routeerr.IsRetryable(err) && !transportRetried {
			transportRetried = true
			select {
			case <-ctx.Done():
				return nil, nil, routeerr.Wrap(routeerr.CodeTimeout, ctx.Err(), "provider %s: cancelled during backoff", c.cfg.ID)
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		routeerr.Report("provider."+c.profile.Provider, err)
		return nil, nil, err
	}
}

func (c *Client) attempt(ctx context.Context, doc []byte, buffered bool) ([]byte, *http.Response, error) {
	creds, err := c.credential(ctx)
	if err != nil {
		return nil, nil, err
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if buffered {
		attemptCtx, cancel = context.WithTimeout(ctx, c.profile.Timeout)
		defer cancel()
	}

	req, err := c.newRequest(attemptCtx, doc, creds)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, routeerr.Wrap(routeerr.CodeTimeout, err, "provider %s: request timed out", c.cfg.ID).WithRetryable(true)
		}
		return nil, nil, routeerr.Wrap(routeerr.CodeNetworkError, err, "provider %s: request failed", c.cfg.ID).WithRetryable(true)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if !buffered {
			return nil, resp, nil
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		body, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return nil, nil, routeerr.Wrap(routeerr.CodeNetworkError, errRead, "provider %s: read response", c.cfg.ID).WithRetryable(true)
		}
		return body, nil, nil
	}

	defer func() {
		_ = resp.Body.Close()
	}()
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return nil, nil, c.classify(resp.StatusCode, errBody)
}

// classify maps an upstream failure onto the gateway error taxonomy.
// Rate-limit, server, network and timeout classes are retryable.
func (c *Client) classify(statusCode int, body []byte) error {
	details := strings.TrimSpace(string(body))
	if len(details) > 512 {
		details = details[:512]
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return routeerr.New(routeerr.CodeRateLimited, "provider %s: rate limited: %s", c.cfg.ID, details).
			WithStatus(statusCode).WithRetryable(true)
	case statusCode >= http.StatusInternalServerError:
		return routeerr.New(routeerr.CodeServerError, "provider %s: upstream error %d: %s", c.cfg.ID, statusCode, details).
			WithStatus(statusCode).WithRetryable(true)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden || lifecycle.LooksLikeInvalidToken(statusCode, body):
		return routeerr.New(routeerr.CodeAuthInvalid, "provider %s: auth rejected %d: %s", c.cfg.ID, statusCode, details).
			WithStatus(statusCode)
	default:
		return routeerr.New(routeerr.CodeHTTPError, "provider %s: upstream returned %d: %s", c.cfg.ID, statusCode, details).
			WithStatus(statusCode)
	}
}

// Healthy probes the provider's model listing with current credentials.
func (c *Client) Healthy(ctx context.Context) (bool, int) {
	creds, err := c.credential(ctx)
	if err != nil {
		return false, 0
	}
	endpoint := strings.TrimSuffix(c.profile.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, 0
	}
	if c.profile.Provider == "anthropic" {
		req.Header.Set("x-api-key", creds.value)
	} else if creds.value != "" {
		req.Header.Set("Authorization", c.profile.AuthPrefix+creds.value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, 0
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusBadRequest, resp.StatusCode
}

// String identifies the client in logs.
func (c *Client) String() string {
	return fmt.Sprintf("provider-%s[%s]", c.profile.Provider, c.cfg.ID)
}
