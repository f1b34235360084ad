/*
Package cmd contains the entrypoint commands for the telemetry binaries.
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "net/http/pprof" //nolint:gosec // G108: Profiling endpoint is automatically exposed on /debug/pprof

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/oklog/run"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/substrate-telemetry/backend/internal/aggregator"
	telemetryhttp "github.com/substrate-telemetry/backend/internal/http"
	"github.com/substrate-telemetry/backend/internal/location"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/server"
)

const coreLongHelp = `
Run a telemetry core.

The core terminates dashboard feed connections, accepts node submissions
directly or via shards, and aggregates everything into per-chain state.

Each CLI argument has a corresponding environment variable in the form of the
CLI argument prefixed with TELEMETRY. If both the flag and environment
variable form are specified, the flag form takes precedence.

Examples
  --http-port        TELEMETRY_HTTP_PORT
  --trusted-proxies  TELEMETRY_TRUSTED_PROXIES
`

// EnvNamePrefix defines the environment variable prefix required for all
// environment configuration.
const EnvNamePrefix = "TELEMETRY"

// CoreCommandOptions encompasses all the configurability of the CoreCommand.
type CoreCommandOptions struct {
	HTTPPort       int    `mapstructure:"http-port"`
	TrustedProxies string `mapstructure:"trusted-proxies"`

	DenylistPath     string        `mapstructure:"denylist-path"`
	MaxNodesPerChain int           `mapstructure:"max-nodes-per-chain"`
	StaleAfter       time.Duration `mapstructure:"stale-after"`

	MessageRate  float64 `mapstructure:"message-rate"`
	MessageBurst int     `mapstructure:"message-burst"`

	LocationEndpoint string `mapstructure:"location-endpoint"`
	LocationDisabled bool   `mapstructure:"location-disabled"`
}

// CoreCommand is the entrypoint to the telemetry core.
type CoreCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts CoreCommandOptions
}

// NewCoreCommand creates a new CoreCommand instance.
func NewCoreCommand() (*CoreCommand, error) {
	coreCmd := &CoreCommand{
		Command: &cobra.Command{
			Use:          os.Args[0],
			Long:         coreLongHelp,
			SilenceUsage: true,
		},
	}

	coreCmd.PreRunE = coreCmd.PreRun
	coreCmd.RunE = coreCmd.Run
	coreCmd.Flags().SortFlags = false // Print flag help in the order they're specified.

	// Ensure keys with `-` use `_` for env keys else Viper won't match them.
	coreCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	coreCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := coreCmd.configureFlags(); err != nil {
		return nil, err
	}

	return coreCmd, nil
}

// PreRun satisfies cobra.Command.PreRunE. It is responsible for populating
// c.Opts.
func (c *CoreCommand) PreRun(*cobra.Command, []string) error {
	return c.vpr.Unmarshal(&c.Opts)
}

// Run executes the telemetry core.
func (c *CoreCommand) Run(cmd *cobra.Command, _ []string) error {
	logger, err := log.Init("github.com/substrate-telemetry/backend")
	if err != nil {
		return errors.Errorf("initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Package("main").With("opts", fmt.Sprintf("%+v", c.Opts)).Info("core command options")

	ctx, otelShutdown := otelinit.InitOpenTelemetry(cmd.Context(), "telemetry-core")
	defer otelShutdown(ctx)

	m := metrics.New()
	m.State.Set(metrics.Initializing)

	denylist, err := aggregator.LoadDenylist(c.Opts.DenylistPath)
	if err != nil {
		return errors.Errorf("load denylist: %v", err)
	}

	var resolver *location.Resolver
	var locator aggregator.Locator
	if !c.Opts.LocationDisabled {
		resolver = location.NewResolver(location.Config{
			Logger:   logger,
			Metrics:  m,
			Endpoint: c.Opts.LocationEndpoint,
		})
		locator = resolver
	}

	agg := aggregator.New(aggregator.Config{
		Logger:           logger,
		Metrics:          m,
		Denylist:         denylist,
		Locator:          locator,
		MaxNodesPerChain: c.Opts.MaxNodesPerChain,
		StaleAfter:       c.Opts.StaleAfter,
	})

	handler, err := server.NewCoreHandler(server.CoreConfig{
		Logger:         logger,
		Metrics:        m,
		Aggregator:     agg,
		MessageRate:    c.Opts.MessageRate,
		MessageBurst:   c.Opts.MessageBurst,
		TrustedProxies: c.Opts.TrustedProxies,
	})
	if err != nil {
		return errors.Errorf("create handler: %v", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var routines run.Group

	routines.Add(
		func() error {
			return telemetryhttp.Serve(ctx, logger, fmt.Sprintf(":%v", c.Opts.HTTPPort), handler)
		},
		func(error) { cancel() },
	)

	routines.Add(
		func() error { return agg.RunStaleSweeper(ctx) },
		func(error) { cancel() },
	)

	if c.Opts.DenylistPath != "" {
		routines.Add(
			func() error { return denylist.Watch(ctx, logger) },
			func(error) { cancel() },
		)
	}

	if resolver != nil {
		routines.Add(
			func() error { return resolver.Run(ctx) },
			func(error) { cancel() },
		)
	}

	m.State.Set(metrics.Ready)

	return routines.Run()
}

func (c *CoreCommand) configureFlags() error {
	c.Flags().Int("http-port", 8000, "Port to listen on for HTTP requests")

	c.Flags().String("denylist-path", "", "Path to a YAML file listing denied chain labels")
	c.Flags().Int("max-nodes-per-chain", aggregator.DefaultMaxNodesPerChain, "Maximum nodes a single chain may register")
	c.Flags().Duration("stale-after", aggregator.DefaultStaleAfter, "Silence after which a node is flagged stale")

	c.Flags().Float64("message-rate", 0, "Sustained per-connection submit messages per second; 0 for the default")
	c.Flags().Int("message-burst", 0, "Per-connection submit message burst; 0 for the default")

	c.Flags().String("location-endpoint", location.DefaultEndpoint, "Base URL of the IP geolocation service")
	c.Flags().Bool("location-disabled", false, "Toggle to true to disable IP geolocation lookups")

	c.Flags().String(
		"trusted-proxies",
		"",
		"A comma separated list of allowed peer IPs and/or CIDR blocks to replace with X-Forwarded-For",
	)

	if err := c.vpr.BindPFlags(c.Flags()); err != nil {
		return err
	}

	var err error
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = c.vpr.BindEnv(f.Name)
	})

	return err
}
