package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/client"
	"github.com/alecgard/outpost/internal/job"
	"github.com/spf13/cobra"
)

var (
	agentServer   string
	agentKey      string
	agentName     string
	agentToken    string
	agentSecret   string
	agentInterval time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a reference agent that enrolls, heartbeats and executes no-op jobs",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentServer, "server", "http://localhost:8080", "server base URL")
	agentCmd.Flags().StringVar(&agentKey, "key", "", "enrollment key (omit when --token and --secret are given)")
	agentCmd.Flags().StringVar(&agentName, "name", "", "agent name")
	agentCmd.Flags().StringVar(&agentToken, "token", os.Getenv("OUTPOST_AGENT_TOKEN"), "existing agent token")
	agentCmd.Flags().StringVar(&agentSecret, "secret", os.Getenv("OUTPOST_AGENT_SECRET"), "existing HMAC secret")
	agentCmd.Flags().DurationVar(&agentInterval, "interval", 30*time.Second, "poll interval")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(agentServer, 30*time.Second)
	c.Token, c.Secret = agentToken, agentSecret
	if c.Token == "" || c.Secret == "" {
		if agentKey == "" || agentName == "" {
			return errors.New("--key and --name are required to enroll")
		}
		res, err := c.Enroll(ctx, agentKey, agentName)
		if err != nil {
			return fmt.Errorf("enrolling: %w", err)
		}
		slog.Info("enrolled", "agent", agentName, "expires_at", res.ExpiresAt)
		fmt.Printf("OUTPOST_AGENT_TOKEN=%s\nOUTPOST_AGENT_SECRET=%s\n", res.AgentToken, res.HMACSecret)
	}

	host, _ := os.Hostname()
	hb := agent.HeartbeatInput{OSType: runtime.GOOS, Hostname: host}

	ticker := time.NewTicker(agentInterval)
	defer ticker.Stop()
	for {
		if err := agentTick(ctx, c, hb); err != nil {
			if apierr.HasCode(err, apierr.CodeInvalidToken) {
				return err
			}
			slog.Warn("agent cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func agentTick(ctx context.Context, c *client.Client, hb agent.HeartbeatInput) error {
	if _, err := c.Heartbeat(ctx, hb); err != nil && !isRateLimited(err) {
		return toAPIErr(err)
	}

	jobs, err := c.PollJobs(ctx)
	if err != nil {
		return toAPIErr(err)
	}
	for _, j := range jobs {
		slog.Info("received job", "id", j.ID, "type", j.Type, "approved", j.Approved)
		if !j.Approved {
			if err := c.Fail(ctx, j.ID, "job not approved"); err != nil {
				slog.Warn("fail report rejected", "id", j.ID, "error", err)
			}
			continue
		}
		if j.Type == job.TypeReport {
			_, err := c.UploadReport(ctx, client.Upload{
				Kind:     "heartbeat",
				Filename: "status.txt",
				JobID:    j.ID,
				Content:  []byte(fmt.Sprintf("host=%s os=%s at=%s\n", hb.Hostname, hb.OSType, time.Now().UTC().Format(time.RFC3339))),
			})
			if err != nil {
				slog.Warn("report upload failed", "id", j.ID, "error", err)
			}
		}
		if err := c.Ack(ctx, j.ID); err != nil {
			slog.Warn("ack rejected", "id", j.ID, "error", err)
		}
	}
	return nil
}

func isRateLimited(err error) bool {
	var ce *client.Error
	return errors.As(err, &ce) && ce.Code == apierr.CodeRateLimited
}

// toAPIErr lifts a client error into an apierr so callers can match codes.
func toAPIErr(err error) error {
	var ce *client.Error
	if errors.As(err, &ce) && ce.Code != "" {
		return apierr.Wrap(ce.Code, ce.Message, err)
	}
	return err
}
