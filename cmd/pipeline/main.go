package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seattle-distress/internal/config"
	"github.com/seattle-distress/internal/pipeline"
	"github.com/seattle-distress/internal/scoring"
	"github.com/seattle-distress/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "West Seattle distressed-property signal pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(createRunCmd())
	root.AddCommand(createSummaryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func createRunCmd() *cobra.Command {
	var sources []string
	var rescoreOnly bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch all sources, rescore, and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			env, err := config.Load()
			if err != nil {
				return err
			}

			s, err := store.Open(env.DBPath())
			if err != nil {
				return err
			}
			defer s.Close()

			cfg, err := scoring.LoadConfig(env.ScoringConfigPath)
			if err != nil {
				return err
			}

			runner := pipeline.NewRunner(s, env, log)
			now := time.Now().UTC()

			if rescoreOnly {
				n, err := runner.RescoreAll(cfg, now)
				if err != nil {
					return err
				}
				log.Info("rescored properties", zap.Int("count", n))
				return runner.PrintSummary()
			}

			// Individual source failures are logged inside the run and
			// do not fail the command.
			return runner.RunAll(sources, cfg, now)
		},
	}

	cmd.Flags().StringSliceVar(&sources, "source", nil,
		"source(s) to fetch (default all: "+strings.Join(pipeline.SourceNames(), ", ")+")")
	cmd.Flags().BoolVar(&rescoreOnly, "rescore-only", false,
		"skip fetching and recompute scores from stored signals")
	return cmd
}

func createSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print database statistics without fetching",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			env, err := config.Load()
			if err != nil {
				return err
			}
			s, err := store.Open(env.DBPath())
			if err != nil {
				return err
			}
			defer s.Close()

			return pipeline.NewRunner(s, env, log).PrintSummary()
		},
	}
}
