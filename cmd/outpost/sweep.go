package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecgard/outpost/internal/config"
	"github.com/alecgard/outpost/internal/ratelimit"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [reclaim|recurring|enrollment-keys|offline-agents|rate-limits|all]",
	Short: "Run maintenance passes once and exit",
	Long: "Run maintenance passes once and exit. Use this from cron or a job scheduler " +
		"when the in-process sweeper is disabled.",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"reclaim", "recurring", "enrollment-keys", "offline-agents", "rate-limits", "all"},
	RunE:      runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	which := "all"
	if len(args) == 1 {
		which = args[0]
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

	out := map[string]any{}
	run := func(name string, fn func() (any, error)) error {
		if which != "all" && which != name {
			return nil
		}
		res, err := fn()
		if err != nil {
			return fmt.Errorf("%s sweep: %w", name, err)
		}
		out[name] = res
		return nil
	}

	if err := run("reclaim", func() (any, error) { return svc.reclaimer.Run(ctx) }); err != nil {
		return err
	}
	if err := run("recurring", func() (any, error) { return svc.scheduler.Run(ctx) }); err != nil {
		return err
	}
	if err := run("enrollment-keys", func() (any, error) { return svc.keyPurger.Run(ctx) }); err != nil {
		return err
	}
	if err := run("offline-agents", func() (any, error) { return svc.offline.Run(ctx) }); err != nil {
		return err
	}
	if err := run("rate-limits", func() (any, error) {
		return b.purgeLimits(ctx, ratelimit.PoliciesFromConfig(cfg.RateLimits).LongestWindow())
	}); err != nil {
		return err
	}
	if len(out) == 0 {
		return fmt.Errorf("unknown sweep %q", which)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
