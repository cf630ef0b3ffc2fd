package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Refresh exchanges a refresh token for a fresh access token. Fields the
// server omits keep their previous values, so metadata written by enrichment
// (email, project id, derived API key) survives the rotation.
func Refresh(ctx context.Context, httpClient *http.Client, provider string, eps Endpoints, prev *store.Record) (*store.Record, error) {
	if prev == nil || prev.RefreshToken == "" {
		return nil, routeerr.New(routeerr.CodeAuthRefreshFailed, "oauth %s: no refresh token available", provider)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", prev.RefreshToken)
	values.Set("client_id", eps.ClientID)
	if eps.ClientSecret != "" {
		values.Set("client_secret", eps.ClientSecret)
	}

	status, body, err := postForm(ctx, httpClient, eps.TokenURL, eps.Headers, values)
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeAuthRefreshFailed, err, "oauth %s: refresh request", provider)
	}
	if status != http.StatusOK {
		code := routeerr.CodeAuthRefreshFailed
		// invalid_grant means the refresh token itself is dead, not a
		// transient server problem.
		if oauthErrorCode(body) == "invalid_grant" || status == http.StatusUnauthorized || status == http.StatusForbidden {
			code = routeerr.CodeAuthInvalid
		}
		return nil, routeerr.New(code, "oauth %s: refresh rejected: %d %s", provider, status, oauthErrorDescription(body)).WithStatus(status)
	}

	fresh := recordFromTokenResponse(body, time.Now())
	if fresh.AccessToken == "" {
		return nil, routeerr.New(routeerr.CodeAuthRefreshFailed, "oauth %s: refresh response missing access_token", provider)
	}
	return mergeRefreshed(prev, fresh), nil
}

// mergeRefreshed layers the fresh token material on top of the previous
// record, keeping everything the response did not replace.
func mergeRefreshed(prev, fresh *store.Record) *store.Record {
	merged := *prev
	merged.AccessToken = fresh.AccessToken
	merged.ExpiresAt = fresh.ExpiresAt
	if fresh.RefreshToken != "" {
		merged.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		merged.TokenType = fresh.TokenType
	}
	if fresh.Scope != "" {
		merged.Scope = fresh.Scope
	}
	if fresh.IDToken != "" {
		merged.IDToken = fresh.IDToken
	}
	if len(fresh.Extra) > 0 {
		if merged.Extra == nil {
			merged.Extra = make(map[string]any, len(fresh.Extra))
		} else {
			copied := make(map[string]any, len(merged.Extra)+len(fresh.Extra))
			for k, v := range merged.Extra {
				copied[k] = v
			}
			merged.Extra = copied
		}
		for k, v := range fresh.Extra {
			merged.Extra[k] = v
		}
	}
	return &merged
}
