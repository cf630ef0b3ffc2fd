package oauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// postForm sends an application/x-www-form-urlencoded POST with the
// provider's extra headers merged in and returns status plus body.
func postForm(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, values url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, nil, routeerr.Wrap(routeerr.CodeInternal, err, "oauth: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth: request failed").WithRetryable(true)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth: read response").WithRetryable(true)
	}
	return resp.StatusCode, body, nil
}

// recordFromTokenResponse converts a successful token endpoint response to a
// normalized record. Extra fields like qwen's resource_url are preserved.
func recordFromTokenResponse(body []byte, now time.Time) *store.Record {
	root := gjson.ParseBytes(body)
	record := &store.Record{
		AccessToken:  root.Get("access_token").String(),
		RefreshToken: root.Get("refresh_token").String(),
		TokenType:    root.Get("token_type").String(),
		Scope:        root.Get("scope").String(),
		IDToken:      root.Get("id_token").String(),
		Extra:        make(map[string]any),
	}
	if record.TokenType == "" {
		record.TokenType = "Bearer"
	}
	if expiresIn := root.Get("expires_in").Int(); expiresIn > 0 {
		record.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second).UnixMilli()
	}
	if resourceURL := root.Get("resource_url").String(); resourceURL != "" {
		record.Extra["resource_url"] = resourceURL
	}
	return record
}

// oauthErrorCode extracts the RFC 6749 "error" field from an error body.
func oauthErrorCode(body []byte) string {
	return gjson.GetBytes(body, "error").String()
}

func oauthErrorDescription(body []byte) string {
	if desc := gjson.GetBytes(body, "error_description").String(); desc != "" {
		return desc
	}
	return string(body)
}
