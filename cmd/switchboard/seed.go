package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/switchboard-systems/switchboard/internal/config"
	"github.com/switchboard-systems/switchboard/internal/eventstore"
	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/metrics"
	"github.com/switchboard-systems/switchboard/internal/repository"
	"github.com/switchboard-systems/switchboard/internal/seeder"
	"github.com/switchboard-systems/switchboard/internal/triage"
)

var (
	seedRulesFile  string
	seedEventCount int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed triage rules and demo events",
	Long: `Seed loads triage rules from a YAML fixture file (or a built-in demo
set) and optionally ingests synthetic demo events. Seeded rules carry
created_by=seed provenance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return seed()
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedRulesFile, "rules", "", "YAML rule fixture file (default: built-in demo rules)")
	seedCmd.Flags().IntVar(&seedEventCount, "events", 0, "number of synthetic demo events to ingest")
}

func seed() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	ctx := context.Background()

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer repo.Close()

	m := metrics.New(prometheus.NewRegistry())
	events := eventstore.NewService(repo, logger, m)
	triageSvc := triage.NewService(repo, logger, m, cfg.Triage.Enabled)
	runner := seeder.NewRunner(triageSvc, events, logger)

	if err := events.EnsurePartitions(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure event partitions: %w", err)
	}

	ruleCount, err := runner.SeedRules(ctx, seedRulesFile)
	if err != nil {
		return fmt.Errorf("failed to seed rules: %w", err)
	}
	fmt.Printf("Seeded %d triage rules\n", ruleCount)

	if seedEventCount > 0 {
		accepted, err := runner.SeedEvents(ctx, seedEventCount)
		if err != nil {
			return fmt.Errorf("failed to seed events: %w", err)
		}
		fmt.Printf("Ingested %d demo events\n", accepted)
	}
	return nil
}
