package oauth

import (
	"bytes"
	"context"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

const codeAssistEndpoint = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"

// Enrich fills provider-specific metadata into a freshly acquired or
// refreshed record. Gemini-family tokens get the account email and default
// project id; iflow exchanges the access token for a derived API key.
func Enrich(ctx context.Context, httpClient *http.Client, provider string, eps Endpoints, record *store.Record) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch provider {
	case "gemini-cli", "antigravity":
		return enrichGoogle(ctx, httpClient, provider, eps, record)
	case "iflow":
		return enrichIFlow(ctx, httpClient, eps, record)
	default:
		return nil
	}
}

func enrichGoogle(ctx context.Context, httpClient *http.Client, provider string, eps Endpoints, record *store.Record) error {
	if eps.UserInfoURL != "" && record.Email == "" {
		body, status, err := bearerGet(ctx, httpClient, eps.UserInfoURL+"?alt=json", record.AccessToken, nil)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return routeerr.New(routeerr.CodeAuthInvalid, "oauth %s: userinfo rejected the access token", provider).WithStatus(status)
		}
		if status == http.StatusOK {
			if email := gjson.GetBytes(body, "email").String(); email != "" {
				record.Email = email
			}
		}
	}

	if record.ProjectID == "" {
		projectID, err := discoverProject(ctx, httpClient, provider, record.AccessToken)
		if err != nil {
			return err
		}
		record.ProjectID = projectID
	}

	// Service enablement is a side effect of onboarding; failures only mean
	// the user has to enable it themselves.
	if provider == "gemini-cli" && record.ProjectID != "" {
		if err := enableCodeAssistService(ctx, httpClient, record.AccessToken, record.ProjectID); err != nil {
			log.Warnf("oauth %s: could not enable cloudaicompanion service on %s: %v", provider, record.ProjectID, err)
		}
	}
	return nil
}

// discoverProject asks the Code Assist endpoint for the account's default
// cloudaicompanion project.
func discoverProject(ctx context.Context, httpClient *http.Client, provider, accessToken string) (string, error) {
	payload := []byte(`{"metadata":{"pluginType":"GEMINI"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, codeAssistEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", routeerr.Wrap(routeerr.CodeInternal, err, "oauth %s: build loadCodeAssist request", provider)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth %s: loadCodeAssist", provider).WithRetryable(true)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth %s: read loadCodeAssist response", provider).WithRetryable(true)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", routeerr.New(routeerr.CodeAuthInvalid, "oauth %s: loadCodeAssist rejected the access token", provider).WithStatus(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", routeerr.New(routeerr.CodeHTTPError, "oauth %s: loadCodeAssist failed: %d %s", provider, resp.StatusCode, string(body)).WithStatus(resp.StatusCode)
	}
	return gjson.GetBytes(body, "cloudaicompanionProject").String(), nil
}

func enableCodeAssistService(ctx context.Context, httpClient *http.Client, accessToken, projectID string) error {
	endpoint := "https://serviceusage.googleapis.com/v1/projects/" + projectID + "/services/cloudaicompanion.googleapis.com:enable"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return routeerr.New(routeerr.CodeHTTPError, "service enable returned %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}
	return nil
}

// enrichIFlow exchanges the OAuth access token for the API key the chat
// endpoints expect.
func enrichIFlow(ctx context.Context, httpClient *http.Client, eps Endpoints, record *store.Record) error {
	if eps.UserInfoURL == "" || record.APIKey != "" {
		return nil
	}
	body, status, err := bearerGet(ctx, httpClient, eps.UserInfoURL, record.AccessToken, eps.Headers)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return routeerr.New(routeerr.CodeAuthInvalid, "oauth iflow: user info rejected the access token").WithStatus(status)
	}
	if status != http.StatusOK {
		return routeerr.New(routeerr.CodeHTTPError, "oauth iflow: user info failed: %d %s", status, string(body)).WithStatus(status)
	}
	root := gjson.ParseBytes(body)
	apiKey := root.Get("data.apiKey").String()
	if apiKey == "" {
		apiKey = root.Get("apiKey").String()
	}
	if apiKey == "" {
		return routeerr.New(routeerr.CodeAuthFlowRejected, "oauth iflow: user info response has no api key")
	}
	record.APIKey = apiKey
	if email := root.Get("data.email").String(); email != "" && record.Email == "" {
		record.Email = email
	}
	return nil
}

func bearerGet(ctx context.Context, httpClient *http.Client, endpoint, accessToken string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, routeerr.Wrap(routeerr.CodeInternal, err, "oauth: build request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth: request failed").WithRetryable(true)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, routeerr.Wrap(routeerr.CodeNetworkError, err, "oauth: read response").WithRetryable(true)
	}
	return body, resp.StatusCode, nil
}
