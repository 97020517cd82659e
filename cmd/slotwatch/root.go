package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/slotwatch/internal/config"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log logging.Logger
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.cfg, a.log = cfg, log
	return nil
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "slotwatch",
		Short:         "Watch an appointment page for open slots and book queued applicants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("SLOTWATCH_CONFIG"), "path to slotwatch.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd(a, false))
	root.AddCommand(newRunCmd(a, true))
	root.AddCommand(newProxiesCmd(a))
	root.AddCommand(newResultsCmd(a))
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
