package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/browser"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
	"github.com/Jasonzhangf/routecodex-sub005/internal/util"
)

// DefaultCallbackTimeout bounds how long the local listener waits for the
// user to complete the authorization in the browser.
const DefaultCallbackTimeout = 10 * time.Minute

// AuthCodeFlow implements the authorization-code grant with PKCE and a local
// HTTP listener receiving the provider callback.
type AuthCodeFlow struct {
	provider   string
	eps        Endpoints
	httpClient *http.Client

	// Notify surfaces the authorization URL when the browser cannot be
	// launched (token portal or terminal). Nil logs instead.
	Notify func(authURL string)

	// OpenBrowser launches the authorization URL automatically.
	OpenBrowser bool

	// RequestOfflineAccess adds access_type=offline and prompt=consent so a
	// refresh token is issued.
	RequestOfflineAccess bool

	// CallbackTimeout overrides DefaultCallbackTimeout.
	CallbackTimeout time.Duration

	now func() time.Time
}

// NewAuthCodeFlow builds an authorization-code flow for the provider.
func NewAuthCodeFlow(provider string, eps Endpoints, httpClient *http.Client) *AuthCodeFlow {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AuthCodeFlow{
		provider:             provider,
		eps:                  eps,
		httpClient:           httpClient,
		OpenBrowser:          true,
		RequestOfflineAccess: true,
		now:                  time.Now,
	}
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// Authorize runs the full flow: start the listener, send the user to the
// authorization URL, wait for the callback, exchange the code.
func (f *AuthCodeFlow) Authorize(ctx context.Context) (*store.Record, error) {
	if f.eps.AuthURL == "" {
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "oauth %s: provider has no authorization endpoint", f.provider)
	}
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "oauth %s: pkce", f.provider)
	}
	state, err := util.RandomState()
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "oauth %s: state", f.provider)
	}

	port := f.eps.RedirectPort
	if port == 0 {
		port = 11451
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", port)

	conf := &oauth2.Config{
		ClientID:     f.eps.ClientID,
		ClientSecret: f.eps.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{f.eps.Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.eps.AuthURL,
			TokenURL: f.eps.TokenURL,
		},
	}

	resultChan := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			resultChan <- callbackResult{err: routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: authorization failed: %s", f.provider, errParam)}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			resultChan <- callbackResult{err: routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: code not found in callback", f.provider)}
			return
		}
		_, _ = fmt.Fprint(w, "Authorization complete. You can close this window.")
		resultChan <- callbackResult{code: code, state: query.Get("state")}
	})

	server := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "oauth %s: listen on callback port %d", f.provider, port)
	}
	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("oauth %s: callback server: %v", f.provider, errServe)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if f.RequestOfflineAccess {
		opts = append(opts, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	authURL := conf.AuthCodeURL(state, opts...)

	if f.OpenBrowser {
		if errOpen := browser.OpenURL(authURL); errOpen != nil {
			log.Warnf("oauth %s: failed to open browser: %v", f.provider, errOpen)
		}
	}
	if f.Notify != nil {
		f.Notify(authURL)
	} else {
		log.Infof("oauth %s: complete the authorization at %s", f.provider, authURL)
	}

	timeout := f.CallbackTimeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, routeerr.Wrap(routeerr.CodeAuthFlowTimedOut, ctx.Err(), "oauth %s: authorization cancelled", f.provider)
	case <-time.After(timeout):
		return nil, routeerr.New(routeerr.CodeAuthFlowTimedOut, "oauth %s: no callback received within %v", f.provider, timeout)
	case result = <-resultChan:
	}
	if result.err != nil {
		return nil, result.err
	}
	if result.state != state {
		return nil, routeerr.New(routeerr.CodeAuthFlowRejected, "oauth %s: state mismatch in callback", f.provider)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.exchangeClient())
	token, err := conf.Exchange(exchangeCtx, result.code, oauth2.SetAuthURLParam("code_verifier", pkce.Verifier))
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeAuthFlowRejected, err, "oauth %s: code exchange failed", f.provider)
	}
	return f.recordFromToken(token), nil
}

// exchangeClient wraps the configured HTTP client so provider-specific
// headers ride along on the token exchange.
func (f *AuthCodeFlow) exchangeClient() *http.Client {
	if len(f.eps.Headers) == 0 {
		return f.httpClient
	}
	base := f.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *f.httpClient
	clone.Transport = &headerTransport{base: base, headers: f.eps.Headers}
	return &clone
}

func (f *AuthCodeFlow) recordFromToken(token *oauth2.Token) *store.Record {
	record := &store.Record{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Extra:        make(map[string]any),
	}
	if record.TokenType == "" {
		record.TokenType = "Bearer"
	}
	if !token.Expiry.IsZero() {
		record.ExpiresAt = token.Expiry.UnixMilli()
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		record.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		record.Scope = scope
	}
	return record
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
