// Command routecodex runs the LLM API gateway and its OAuth tooling.
//
// Usage:
//
//	routecodex [--config path] server start
//	routecodex [--config path] oauth <provider> [alias]
//	routecodex [--config path] oauth <provider>-auto <file>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/cmd"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.Parse()

	logging.Setup()

	if configPath == "" {
		configPath = os.Getenv("ROUTECODEX_CONFIG")
	}
	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Errorf("failed to get working directory: %v", err)
			return cmd.ExitFailure
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config %s: %v", configPath, err)
		return cmd.ExitConfigInvalid
	}
	logging.SetDebug(cfg.Debug)
	if cfg.LogToFile {
		if err := logging.ConfigureOutput(true, "logs"); err != nil {
			log.Warnf("file logging disabled: %v", err)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		return cmd.StartService(cfg, configPath)
	}

	switch args[0] {
	case "server":
		if len(args) > 1 && args[1] != "start" {
			return usageError("unknown server subcommand %q", args[1])
		}
		return cmd.StartService(cfg, configPath)

	case "oauth":
		if len(args) < 2 {
			return usageError("oauth requires a provider argument")
		}
		if target, ok := strings.CutSuffix(args[1], "-auto"); ok {
			if len(args) < 3 {
				return usageError("oauth %s-auto requires a token filename", target)
			}
			return cmd.DoOAuthAuto(cfg, args[2])
		}
		alias := "default"
		if len(args) > 2 {
			alias = args[2]
		}
		return cmd.DoOAuth(cfg, args[1], alias)

	default:
		return usageError("unknown command %q", args[0])
	}
}

func usageError(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Fprintln(os.Stderr, "usage: routecodex [--config path] (server start | oauth <provider> [alias] | oauth <provider>-auto <file>)")
	return cmd.ExitConfigInvalid
}
