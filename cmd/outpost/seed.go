package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alecgard/outpost/internal/config"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/job"
	"github.com/spf13/cobra"
)

var (
	seedTenant string
	seedAgent  string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Issue a demo enrollment key and queue demo jobs",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "demo", "tenant to seed")
	seedCmd.Flags().StringVar(&seedAgent, "agent", "demo-agent", "agent name the demo jobs target")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("seed needs persistent storage; memory state is lost on exit")
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	svc, err := newServices(cfg, b, nil)
	if err != nil {
		return err
	}

	key, err := svc.enrollment.CreateKey(ctx, enrollment.CreateKeyInput{
		TenantID:       seedTenant,
		ExpiresInHours: 24,
		MaxUses:        5,
		Description:    "demo key",
	})
	if err != nil {
		return fmt.Errorf("creating enrollment key: %w", err)
	}

	jobs := job.NewService(b.jobs)
	demo := []job.CreateInput{
		{Type: job.TypeScan, Payload: json.RawMessage(`{"target":"/","depth":2}`), Approved: true},
		{Type: job.TypeReport, Payload: json.RawMessage(`{"kind":"inventory"}`), Approved: true,
			IsRecurring: true, RecurrencePattern: "every 1 hour"},
	}
	for _, in := range demo {
		in.TenantID = seedTenant
		in.AgentName = seedAgent
		j, err := jobs.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("creating %s job: %w", in.Type, err)
		}
		slog.Info("created job", "id", j.ID, "type", j.Type, "recurring", j.IsRecurring)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Tenant:          %s\n", seedTenant)
	fmt.Printf("Enrollment key:  %s (5 uses, 24h)\n", key.Code)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  outpost agent --server http://localhost:%d --key %s --name %s\n", cfg.Server.Port, key.Code, seedAgent)
	return nil
}
