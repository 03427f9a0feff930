// Package cli implements the opstrack command line.
package cli

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/opstrack/internal/config"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
}

// NewRootCommand creates the root command for the opstrack CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "opstrack",
		Short: "opstrack - long-running operation tracking",
		Long: `Tracks long-running machine operations executed on a durable engine,
keeping each operation's recorded status in step with its execution.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to a config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig merges defaults, the config file, OPSTRACK_ environment
// variables and any flags set on cmd, in increasing precedence.
func loadConfig(opts *RootOptions, cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	v := config.NewViper()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", opts.ConfigFile)
		}
	}

	flagKeys["log-level"] = "log_level"
	for flag, key := range flagKeys {
		if err := bindChanged(v, cmd.Flags().Lookup(flag), key); err != nil {
			return nil, err
		}
	}
	return config.LoadWithViper(v)
}

// bindChanged binds f to key only when the user set it, so an unset flag's
// zero default does not shadow the config file or environment.
func bindChanged(v *viper.Viper, f *pflag.Flag, key string) error {
	if f == nil || !f.Changed {
		return nil
	}
	return errors.Wrapf(v.BindPFlag(key, f), "bind flag %s", f.Name)
}
