package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/oklog/run"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	telemetryhttp "github.com/substrate-telemetry/backend/internal/http"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/server"
	"github.com/substrate-telemetry/backend/internal/shard"
)

const shardLongHelp = `
Run a telemetry shard.

A shard terminates node submit connections close to the nodes and forwards
their updates to a telemetry core over a single multiplexed link. Nodes keep
their connection to the shard even while the core is unreachable.

Each CLI argument has a corresponding environment variable in the form of the
CLI argument prefixed with TELEMETRY. If both the flag and environment
variable form are specified, the flag form takes precedence.

Examples
  --http-port  TELEMETRY_HTTP_PORT
  --core-url   TELEMETRY_CORE_URL
`

// ShardCommandOptions encompasses all the configurability of the
// ShardCommand.
type ShardCommandOptions struct {
	HTTPPort       int    `mapstructure:"http-port"`
	TrustedProxies string `mapstructure:"trusted-proxies"`

	CoreURL string `mapstructure:"core-url"`

	MessageRate  float64 `mapstructure:"message-rate"`
	MessageBurst int     `mapstructure:"message-burst"`
}

// ShardCommand is the entrypoint to the telemetry shard.
type ShardCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts ShardCommandOptions
}

// NewShardCommand creates a new ShardCommand instance.
func NewShardCommand() (*ShardCommand, error) {
	shardCmd := &ShardCommand{
		Command: &cobra.Command{
			Use:          os.Args[0],
			Long:         shardLongHelp,
			SilenceUsage: true,
		},
	}

	shardCmd.PreRunE = shardCmd.PreRun
	shardCmd.RunE = shardCmd.Run
	shardCmd.Flags().SortFlags = false // Print flag help in the order they're specified.

	// Ensure keys with `-` use `_` for env keys else Viper won't match them.
	shardCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	shardCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := shardCmd.configureFlags(); err != nil {
		return nil, err
	}

	return shardCmd, nil
}

// PreRun satisfies cobra.Command.PreRunE. It is responsible for populating
// c.Opts.
func (c *ShardCommand) PreRun(*cobra.Command, []string) error {
	return c.vpr.Unmarshal(&c.Opts)
}

// Run executes the telemetry shard.
func (c *ShardCommand) Run(cmd *cobra.Command, _ []string) error {
	logger, err := log.Init("github.com/substrate-telemetry/backend")
	if err != nil {
		return errors.Errorf("initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Package("main").With("opts", fmt.Sprintf("%+v", c.Opts)).Info("shard command options")

	ctx, otelShutdown := otelinit.InitOpenTelemetry(cmd.Context(), "telemetry-shard")
	defer otelShutdown(ctx)

	m := metrics.New()
	m.State.Set(metrics.Initializing)

	link := shard.NewLink(logger, m, c.Opts.CoreURL)

	handler, err := server.NewShardHandler(server.ShardConfig{
		Logger:         logger,
		Metrics:        m,
		Link:           link,
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
		func() error { return link.Run(ctx) },
		func(error) { cancel() },
	)

	m.State.Set(metrics.Ready)

	return routines.Run()
}

func (c *ShardCommand) configureFlags() error {
	c.Flags().Int("http-port", 8001, "Port to listen on for HTTP requests")

	c.Flags().String("core-url", "ws://127.0.0.1:8000/shard_submit", "WebSocket URL of the core's shard endpoint")

	c.Flags().Float64("message-rate", 0, "Sustained per-connection submit messages per second; 0 for the default")
	c.Flags().Int("message-burst", 0, "Per-connection submit message burst; 0 for the default")

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
