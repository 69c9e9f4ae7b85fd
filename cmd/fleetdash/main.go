// Command fleetdash runs the hub: agents connect on one listener,
// dashboards on the other.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/najoast/fleetdash/bootstrap"
	"github.com/najoast/fleetdash/config"
	"github.com/najoast/fleetdash/logging"
)

var version = "dev"

type flags struct {
	configFile      string
	logLevel        string
	frontendAddress string
	agentAddress    string
	databasePath    string
	noWatch         bool
	showVersion     bool
	help            bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var f flags
	flagSet := pflag.NewFlagSet("fleetdash", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configFile, "config", "c", "", "configuration file (default: searched in ., ./config and /etc/fleetdash)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&f.frontendAddress, "frontend-address", "", "dashboard listen address")
	flagSet.StringVar(&f.agentAddress, "agent-address", "", "agent listen address")
	flagSet.StringVar(&f.databasePath, "database", "", "SQLite database path, or :memory:")
	flagSet.BoolVar(&f.noWatch, "no-watch", false, "do not reload the configuration file on change")
	flagSet.BoolVar(&f.showVersion, "version", false, "print the version and exit")
	flagSet.BoolVarP(&f.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if f.help {
		printHelp(flagSet)
		return nil
	}
	if f.showVersion {
		fmt.Println("fleetdash", version)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	loader := config.NewLoader()
	configFile := f.configFile
	if configFile == "" {
		found, err := loader.FindConfigFile()
		if err != nil && !errors.Is(err, config.ErrConfigFileNotFound) {
			return err
		}
		configFile = found
	}
	cfg, err := loader.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()
	if configFile != "" {
		logger.Info("configuration loaded", "file", configFile)
	}

	opts := bootstrap.Options{Loader: loader}
	if configFile != "" && !f.noWatch {
		opts.ConfigFile = configFile
	}
	app, err := bootstrap.New(cfg, logger, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

// applyFlags layers command-line values over the file and environment.
func applyFlags(cfg *config.Config, f flags) {
	if f.logLevel != "" {
		cfg.Log.Level = config.LogLevel(f.logLevel)
	}
	if f.frontendAddress != "" {
		cfg.Frontend.Address = f.frontendAddress
	}
	if f.agentAddress != "" {
		cfg.Agent.Address = f.agentAddress
	}
	if f.databasePath != "" {
		cfg.Database.Path = f.databasePath
	}
	if cfg.App.Version == "" || version != "dev" {
		cfg.App.Version = version
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `fleetdash: hub for node agents and dashboards.

Agents connect over WebSocket, identify with agent_hello and then stream
status, logs and network usage. Dashboards connect to the frontend
listener, query node state and receive change notifications.

Configuration is read from --config, or from fleetdash.yaml, fleetdash.yml
or fleetdash.json in ., ./config, /etc/fleetdash or ~/.fleetdash. FLEETDASH_* environment
variables override the file and flags override both.

Usage:
  fleetdash [flags]

Flags:
%s`, flagSet.FlagUsages())
}
