package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/browser"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceAuthorization is the server's answer to a device-code start request.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

// DeviceCodeFlow implements the RFC 8628 device authorization grant.
type DeviceCodeFlow struct {
	provider   string
	eps        Endpoints
	httpClient *http.Client

	// Notify surfaces the user code and verification URL (token portal or
	// terminal). Nil logs instead.
	Notify func(DeviceAuthorization)

	// OpenBrowser launches the complete verification URL automatically.
	OpenBrowser bool

	// now is injectable for tests.
	now func() time.Time
}

// NewDeviceCodeFlow builds a device-code flow for the provider.
func NewDeviceCodeFlow(provider string, eps Endpoints, httpClient *http.Client) *DeviceCodeFlow {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DeviceCodeFlow{provider: provider, eps: eps, httpClient: httpClient, now: time.Now}
}

// Authorize runs the full device flow: start, notify the user, poll until the
// user approves or the device code expires.
func (f *DeviceCodeFlow) Authorize(ctx context.Context) (*store.Record, error) {
	if f.eps.DeviceCodeURL == "" {
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "oauth %s: provider has no device-code endpoint", f.provider)
	}
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "oauth %s: pkce", f.provider)
	}

	auth, err := f.start(ctx, pkce)
	if err != nil {
		return nil, err
	}

	if f.Notify != nil {
		f.Notify(*auth)
	} else {
		log.Infof("oauth %s: visit %s and enter code %s", f.provider, auth.VerificationURI, auth.UserCode)
	}
	if f.OpenBrowser && auth.VerificationURIComplete != "" {
		if errOpen := browser.OpenURL(auth.VerificationURIComplete); errOpen != nil {
			log.Warnf("oauth %s: failed to open browser: %v", f.provider, errOpen)
		}
	}

	return f.poll(ctx, auth, pkce)
}

func (f *DeviceCodeFlow) start(ctx context.Context, pkce *PKCE) (*DeviceAuthorization, error) {
	values := url.Values{}
	values.Set("client_id", f.eps.ClientID)
	values.Set("scope", f.eps.Scope)
	values.Set("code_challenge", pkce.Challenge)
	values.Set("code_challenge_method", "S256")

	status, body, err := postForm(ctx, f.httpClient, f.eps.DeviceCodeURL, f.eps.Headers, values)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: device authorization failed: %d %s", f.provider, status, oauthErrorDescription(body)).WithStatus(status)
	}

	auth := parseDeviceAuthorization(body)
	if auth.DeviceCode == "" {
		return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: device_code not found in response", f.provider)
	}
	return auth, nil
}

// poll requests the token endpoint every interval seconds until the user
// approves, a terminal error arrives, or the device code expires.
func (f *DeviceCodeFlow) poll(ctx context.Context, auth *DeviceAuthorization, pkce *PKCE) (*store.Record, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	expiresIn := time.Duration(auth.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	// Small slack past the server deadline before declaring a user timeout.
	deadline := f.now().Add(expiresIn + 10*time.Second)

	values := url.Values{}
	values.Set("grant_type", deviceGrantType)
	values.Set("client_id", f.eps.ClientID)
	if f.eps.ClientSecret != "" {
		values.Set("client_secret", f.eps.ClientSecret)
	}
	values.Set("device_code", auth.DeviceCode)
	values.Set("code_verifier", pkce.Verifier)

	for {
		if f.now().After(deadline) {
			return nil, routeerr.New(routeerr.CodeAuthFlowTimedOut, "oauth %s: user did not approve before the device code expired", f.provider)
		}
		select {
		case <-ctx.Done():
			return nil, routeerr.Wrap(routeerr.CodeAuthFlowTimedOut, ctx.Err(), "oauth %s: polling cancelled", f.provider)
		case <-time.After(interval):
		}

		status, body, err := postForm(ctx, f.httpClient, f.eps.TokenURL, f.eps.Headers, values)
		if err != nil {
			log.Debugf("oauth %s: poll attempt failed: %v", f.provider, err)
			continue
		}
		if status == http.StatusOK {
			record := recordFromTokenResponse(body, f.now())
			if record.AccessToken == "" {
				return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: token response missing access_token", f.provider)
			}
			return record, nil
		}

		switch oauthErrorCode(body) {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5 * time.Second
			log.Debugf("oauth %s: server requested slow down, interval now %v", f.provider, interval)
			continue
		case "expired_token":
			return nil, routeerr.New(routeerr.CodeAuthFlowTimedOut, "oauth %s: device code expired", f.provider)
		case "access_denied":
			return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: authorization denied by user", f.provider)
		default:
			return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: device token poll failed: %s", f.provider, oauthErrorDescription(body)).WithStatus(status)
		}
	}
}

func parseDeviceAuthorization(body []byte) *DeviceAuthorization {
	type wire struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	var w wire
	_ = json.Unmarshal(body, &w)
	return &DeviceAuthorization{
		DeviceCode:              w.DeviceCode,
		UserCode:                w.UserCode,
		VerificationURI:         w.VerificationURI,
		VerificationURIComplete: w.VerificationURIComplete,
		ExpiresIn:               w.ExpiresIn,
		Interval:                w.Interval,
	}
}
