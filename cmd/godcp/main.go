// Command godcp exercises the stream engine end to end: it wires an
// active stream through the backfill store and executor into a passive
// stream and reports throughput.
package main

import (
	"fmt"
	"os"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string

	// confHolder carries the effective configuration to subcommands.
	confHolder c.ConfigHolder
)

func main() {
	root := &cobra.Command{
		Use:           "godcp",
		Short:         "vbucket change-stream engine tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLogLevel(logging.Level(flagLogLevel))
			config, err := loadConfig()
			if err != nil {
				return err
			}
			confHolder.Store(config)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "",
		"yaml file of parameter overrides")
	root.PersistentFlags().StringVar(&flagLogLevel, "loglevel", "Info",
		"Silent, Fatal, Error, Warn, Info, Debug or Trace")

	root.AddCommand(newBenchCommand())
	root.AddCommand(newConfigCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (c.Config, error) {
	config, err := c.NewConfig(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if flagConfig == "" {
		return config, nil
	}
	fileConfig, err := c.LoadFile(flagConfig)
	if err != nil {
		return nil, err
	}
	return config.Override(fileConfig), nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(confHolder.Load().String())
			return nil
		},
	}
}
