package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qualix/internal/app"
	"qualix/internal/scheduler"
	logx "qualix/pkg/logx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qualixd",
		Short:         "qualixd runs dependency-ordered job graphs on a worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSelfTestCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, triggers and diagnostics until signaled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath, stopTimeout)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "./qualix.yaml", "path to config (json or yaml)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func serve(parent context.Context, cfgPath string, stopTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		reason := app.StopFatalError
		if errors.Is(err, scheduler.ErrSelfTest) {
			reason = app.StopSelfTestFailed
		}
		stop(reason)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case sig := <-sigs:
		reason := app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
		stop(reason)
		return nil
	case <-a.Done():
		err := a.Err()
		stop(app.StopFatalError)
		return err
	}
}

func newSelfTestCmd() *cobra.Command {
	var (
		timeout time.Duration
		level   string
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the scheduler self-test and exit non-zero on failure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSelfTest(ctx, cmd.OutOrStdout(), logx.NewConsole(level))
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "abort the self-test after this long")
	cmd.Flags().StringVar(&level, "log-level", "warn", "console log level")
	return cmd
}

func runSelfTest(ctx context.Context, out io.Writer, log logx.Logger) error {
	rep, err := scheduler.SelfTest(ctx, log)
	names := make([]string, 0, len(rep.States))
	for name := range rep.States {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%-4s %s\n", name, rep.States[name])
	}
	if err != nil {
		fmt.Fprintf(out, "FAIL (%s): %v\n", rep.Took.Round(time.Millisecond), rep.Failed)
		return err
	}
	fmt.Fprintf(out, "ok (%s)\n", rep.Took.Round(time.Millisecond))
	return nil
}
