package oauth

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Strategy bundles a provider's acquisition flows, refresh, and enrichment
// behind one interface the lifecycle layer drives.
type Strategy struct {
	Provider   string
	Endpoints  Endpoints
	HTTPClient *http.Client

	// OpenBrowser and Notify are passed through to the interactive flows.
	OpenBrowser bool
	Notify      func(message string)
}

// NewStrategy resolves the provider's endpoints (built-in defaults layered
// with local overrides and environment credentials) and returns a ready
// strategy.
func NewStrategy(provider string, override *Endpoints, httpClient *http.Client) (*Strategy, error) {
	eps, err := ResolveEndpoints(provider, override)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Strategy{
		Provider:    provider,
		Endpoints:   eps,
		HTTPClient:  httpClient,
		OpenBrowser: true,
	}, nil
}

// Authorize runs the provider's interactive flows in fallback order and
// enriches the first successful result. A flow the user rejected is terminal;
// setup problems (missing endpoint, listener conflict) fall through to the
// next flow.
func (s *Strategy) Authorize(ctx context.Context) (*store.Record, error) {
	flows := s.Endpoints.Flows
	if len(flows) == 0 {
		flows = []FlowType{FlowDeviceCode}
	}

	var lastErr error
	for i, flow := range flows {
		record, err := s.runFlow(ctx, flow)
		if err == nil {
			if errEnrich := Enrich(ctx, s.HTTPClient, s.Provider, s.Endpoints, record); errEnrich != nil {
				log.Warnf("oauth %s: post-acquire enrichment failed: %v", s.Provider, errEnrich)
			}
			return record, nil
		}
		lastErr = err
		switch routeerr.CodeOf(err) {
		case routeerr.CodeAuthFlowRejected, routeerr.CodeAuthFlowTimedOut:
			// The user saw this flow and it ended; do not restart with
			// another one.
			return nil, err
		}
		if i < len(flows)-1 {
			log.Warnf("oauth %s: %s flow unavailable (%v), trying %s", s.Provider, flow, err, flows[i+1])
		}
	}
	return nil, lastErr
}

func (s *Strategy) runFlow(ctx context.Context, flow FlowType) (*store.Record, error) {
	switch flow {
	case FlowDeviceCode:
		f := NewDeviceCodeFlow(s.Provider, s.Endpoints, s.HTTPClient)
		f.OpenBrowser = s.OpenBrowser
		if s.Notify != nil {
			f.Notify = func(auth DeviceAuthorization) {
				s.Notify("visit " + auth.VerificationURI + " and enter code " + auth.UserCode)
			}
		}
		return f.Authorize(ctx)
	case FlowAuthorizationCode:
		f := NewAuthCodeFlow(s.Provider, s.Endpoints, s.HTTPClient)
		f.OpenBrowser = s.OpenBrowser
		if s.Notify != nil {
			f.Notify = func(authURL string) {
				s.Notify("complete the authorization at " + authURL)
			}
		}
		return f.Authorize(ctx)
	default:
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "oauth %s: unknown flow type %q", s.Provider, flow)
	}
}

// Refresh performs a silent refresh and re-runs enrichment so derived
// metadata stays current.
func (s *Strategy) Refresh(ctx context.Context, prev *store.Record) (*store.Record, error) {
	record, err := Refresh(ctx, s.HTTPClient, s.Provider, s.Endpoints, prev)
	if err != nil {
		return nil, err
	}
	if errEnrich := Enrich(ctx, s.HTTPClient, s.Provider, s.Endpoints, record); errEnrich != nil {
		log.Warnf("oauth %s: post-refresh enrichment failed: %v", s.Provider, errEnrich)
	}
	return record, nil
}

// Backfill completes missing metadata on an otherwise valid token without
// running a full flow. Auth-class failures bubble up so the caller can
// invalidate the token.
func (s *Strategy) Backfill(ctx context.Context, record *store.Record) error {
	return Enrich(ctx, s.HTTPClient, s.Provider, s.Endpoints, record)
}
