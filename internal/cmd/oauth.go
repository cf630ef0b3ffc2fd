package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/daemon"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
	"github.com/Jasonzhangf/routecodex-sub005/internal/util"
)

// Process exit codes.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitConfigInvalid = 2
	ExitAuthRejected  = 3
	ExitUserTimeout   = 4
)

// DoOAuth runs the interactive authorization for one provider credential.
func DoOAuth(cfg *config.Config, provider, alias string) int {
	tokens := newTokenManager(cfg)
	desc := store.NewDescriptor(provider, alias, 1)

	opts := lifecycle.Options{
		ForceReauthorize:             util.EnvBool("ROUTECODEX_OAUTH_FORCE_REAUTH", false),
		ForceReacquireIfRefreshFails: true,
		OpenBrowser:                  util.EnvBool("ROUTECODEX_OAUTH_AUTO_OPEN", true),
	}

	record, outcome, err := tokens.EnsureValidToken(context.Background(), desc, opts)
	if err != nil {
		log.Errorf("authorization for %s failed: %v", provider, err)
		return exitCodeFor(err)
	}

	switch outcome {
	case lifecycle.OutcomeCacheHit, lifecycle.OutcomeNoop:
		fmt.Printf("token for %s/%s is already valid\n", provider, alias)
	default:
		fmt.Printf("authorized %s/%s", provider, alias)
		if record.Email != "" {
			fmt.Printf(" (%s)", record.Email)
		}
		fmt.Println()
	}
	return ExitSuccess
}

// DoOAuthAuto performs a single daemon-style silent refresh of one token
// file, identified by its filename.
func DoOAuthAuto(cfg *config.Config, file string) int {
	desc, ok := store.ParseFilename(file)
	if !ok {
		log.Errorf("unrecognized token filename: %s", file)
		return ExitConfigInvalid
	}

	history, err := daemon.OpenHistory(cfg.TokenDaemon.HistoryPath)
	if err != nil {
		log.Errorf("cannot open refresh history: %v", err)
		return ExitFailure
	}
	defer func() {
		_ = history.Close()
	}()

	d := daemon.New(cfg.TokenDaemon, cfg.AuthDir, newTokenManager(cfg), history)
	if err := d.RefreshOne(context.Background(), desc); err != nil {
		log.Errorf("refresh of %s failed: %v", file, err)
		return exitCodeFor(err)
	}
	fmt.Printf("refreshed %s\n", file)
	return ExitSuccess
}

func newTokenManager(cfg *config.Config) *lifecycle.Manager {
	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{})
	return lifecycle.NewManager(cfg.AuthDir, httpClient, nil)
}

// exitCodeFor maps error codes onto the documented process exit codes.
func exitCodeFor(err error) int {
	var rerr *routeerr.Error
	if !errors.As(err, &rerr) {
		return ExitFailure
	}
	switch rerr.Code {
	case routeerr.CodeAuthFlowRejected:
		return ExitAuthRejected
	case routeerr.CodeAuthFlowTimedOut:
		return ExitUserTimeout
	case routeerr.CodeInvalidConfig, routeerr.CodeMissingClientCredentials,
		routeerr.CodeUnsupportedAuthType:
		return ExitConfigInvalid
	default:
		return ExitFailure
	}
}
