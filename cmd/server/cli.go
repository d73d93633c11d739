package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourusername/quotafence/api"
	"github.com/yourusername/quotafence/batch"
	"github.com/yourusername/quotafence/client"
	"github.com/yourusername/quotafence/config"
	"github.com/yourusername/quotafence/guard"
	"github.com/yourusername/quotafence/logging"
	"github.com/yourusername/quotafence/retry"
)

const defaultServerURL = "http://localhost:8080"

func addServerFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVar(server, "server", getEnv("QUOTAFENCE_URL", defaultServerURL), "quotafence server base URL")
}

func newAcquireCmd() *cobra.Command {
	var (
		server string
		tokens int64
	)

	cmd := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Take tokens from a bucket and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(server)
			if err != nil {
				return err
			}
			dec, err := c.Acquire(cmd.Context(), args[0], tokens)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.NewAcquireResponse(dec))
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().Int64VarP(&tokens, "tokens", "n", 1, "tokens to acquire")
	return cmd
}

func newSetRateCmd(configPath *string) *cobra.Command {
	var (
		server    string
		perMinute float64
		burst     int64
	)

	cmd := &cobra.Command{
		Use:   "set-rate KEY...",
		Short: "Change the rate of one or more buckets (limit in tokens per minute)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, os.Getenv)
			if err != nil {
				return err
			}
			c, err := client.New(server)
			if err != nil {
				return err
			}
			throttle, err := batch.New(cfg.Batch.Size, cfg.Batch.Delay, clockwork.NewRealClock())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return batch.ForEach(cmd.Context(), throttle, args, func(ctx context.Context, key string) error {
				resp, err := c.SetRate(ctx, key, perMinute, burst)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %.2f/min burst %d (%.2f tokens)\n", resp.Key, resp.LimitPerMinute, resp.Burst, resp.Tokens)
				return nil
			})
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().Float64Var(&perMinute, "per-minute", 0, "new limit in tokens per minute")
	cmd.Flags().Int64Var(&burst, "burst", 0, "new burst")
	_ = cmd.MarkFlagRequired("per-minute")
	_ = cmd.MarkFlagRequired("burst")
	return cmd
}

func newGetCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print one bucket, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(server)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				snap, err := c.Snapshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}
			buckets, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), buckets)
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

// newCallCmd performs one guarded upstream GET: quota is acquired from the
// server first, then the request runs through the configured RetryingCaller.
func newCallCmd(configPath *string) *cobra.Command {
	var (
		server string
		tokens int64
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "call KEY URL",
		Short: "GET URL once KEY's bucket admits it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, os.Getenv)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			c, err := client.New(server)
			if err != nil {
				return err
			}
			caller, err := retry.New(cfg.RetryConfig(), retry.OnRetry(func(attempt int, delay time.Duration, err error) {
				logger.WithFields(logrus.Fields{
					"module":   "retry",
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
					"error":    err,
				}).Warn("retry: upstream call failed, retrying")
			}))
			if err != nil {
				return err
			}

			gc, err := cfg.GuardConfig()
			if err != nil {
				return err
			}
			if wait {
				gc.Policy = guard.PolicyWait
			}
			g, err := guard.New(c, gc, guard.WithCaller(caller), guard.WithLogger(logger))
			if err != nil {
				return err
			}

			var resp *resty.Response
			op := retry.RestyOperation(resty.New(), "GET", args[1], nil, &resp)
			if err := g.Do(cmd.Context(), args[0], tokens, op); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", resp.StatusCode(), resp.String())
			return nil
		},
	}
	addServerFlag(cmd, &server)
	cmd.Flags().Int64VarP(&tokens, "tokens", "n", 1, "tokens the call costs")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for quota instead of failing fast")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
