package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "roseycore"
	version = "v0.4.0"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Plugin orchestration core for the Rosey chat bot",
		Version: version,
		Long: `roseycore runs the bot's nervous system: the subject-tree message bus,
plugin supervision, command routing, rate limiting, shared memory, the
event journal, and the ops API. Platform adapters and the plugins
themselves are separate processes that talk to this daemon over the bus.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(flagLogLevel, flagLogFormat)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to roseycore.yaml (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "Log format (auto|json|console)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot core daemon",
		Long:  "Connects the bus, loads and starts plugins, binds the command router,\nand serves until interrupted.",
		RunE:  runServe,
	}

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and control plugins through the ops API",
	}
	pluginsCmd.PersistentFlags().String("addr", "127.0.0.1:8420", "Ops API address")
	pluginsCmd.PersistentFlags().String("token", "", "Ops API bearer token")

	pluginsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins and their states",
		RunE:  runPluginsList,
	}
	pluginsStartCmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a loaded plugin",
		Args:  cobra.ExactArgs(1),
		RunE:  runPluginLifecycle("start"),
	}
	pluginsStopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running plugin",
		Args:  cobra.ExactArgs(1),
		RunE:  runPluginLifecycle("stop"),
	}
	pluginsRestartCmd := &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a running plugin",
		Args:  cobra.ExactArgs(1),
		RunE:  runPluginLifecycle("restart"),
	}
	pluginsCmd.AddCommand(pluginsListCmd, pluginsStartCmd, pluginsStopCmd, pluginsRestartCmd)

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live bus envelopes to stdout",
		Long:  "Opens a websocket tap on the ops API and prints every envelope\nmatching the subject pattern, one JSON object per line.",
		RunE:  runTail,
	}
	tailCmd.Flags().String("addr", "127.0.0.1:8420", "Ops API address")
	tailCmd.Flags().String("token", "", "Ops API bearer token")
	tailCmd.Flags().String("subject", "rosey.>", "Subject pattern to tap")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and plugin manifests",
		RunE:  runConfigValidate,
	}
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(serveCmd, pluginsCmd, tailCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog sink. The auto format picks
// console output on a terminal and JSON everywhere else.
func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := format == "console"
	if format == "" || format == "auto" {
		console = term.IsTerminal(int(os.Stderr.Fd()))
	}
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
