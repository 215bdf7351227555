// Command lounge runs a document database from the command line: single
// reads and writes, change feeds, pulls from remote databases, an HTTP
// feed server and an interactive shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// withApp opens the host for one command and closes it afterwards.
func withApp(run func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.log.Warn("close failed", "err", err)
			}
		}()
		return run(ctx, cmd, a, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lounge",
		Short:         "replicated document database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlags(root.PersistentFlags())

	var revText string
	get := &cobra.Command{
		Use:   "get KEY",
		Short: "print a document with its revision history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.get(ctx, cmd.OutOrStdout(), args[0], revText)
		}),
	}
	get.Flags().StringVar(&revText, "rev", "", "revision to read")

	var parentText string
	put := &cobra.Command{
		Use:   "put KEY JSON",
		Short: "store a document; --rev names the revision it replaces",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.put(ctx, cmd.OutOrStdout(), args[0], parentText, args[1])
		}),
	}
	put.Flags().StringVar(&parentText, "rev", "", "current revision of the document")

	post := &cobra.Command{
		Use:   "post JSON",
		Short: "store a new document under a generated key",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.put(ctx, cmd.OutOrStdout(), "", "", args[0])
		}),
	}

	var deleteRev string
	del := &cobra.Command{
		Use:   "delete KEY --rev REV",
		Short: "replace a document with a tombstone",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.delete(ctx, cmd.OutOrStdout(), args[0], deleteRev)
		}),
	}
	del.Flags().StringVar(&deleteRev, "rev", "", "current revision of the document")

	var since uint64
	var prefix string
	changes := &cobra.Command{
		Use:   "changes",
		Short: "list changes in sequence order",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			return a.changes(ctx, cmd.OutOrStdout(), since, prefix)
		}),
	}
	changes.Flags().Uint64Var(&since, "since", 0, "list changes after this sequence")
	changes.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix")

	stat := &cobra.Command{
		Use:   "stat",
		Short: "print database statistics",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			return a.stat(ctx, cmd.OutOrStdout())
		}),
	}

	var pf pullFlags
	pull := &cobra.Command{
		Use:   "pull SOURCE",
		Short: "pull changes from an http(s) database URL or local:NAME",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.pull(ctx, cmd.OutOrStdout(), args[0], pf)
		}),
	}
	pull.Flags().BoolVar(&pf.continuous, "continuous", false, "keep polling until interrupted")
	pull.Flags().StringVar(&pf.filter, "filter", "", "remote change filter")
	pull.Flags().StringVar(&pf.resolve, "resolve", "mine", "fork resolution: mine or theirs")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "serve the change feed and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			return a.serve(ctx)
		}),
	}

	repl := &cobra.Command{
		Use:   "repl",
		Short: "interactive shell",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			return runREPL(ctx, a)
		}),
	}

	root.AddCommand(get, put, post, del, changes, stat, pull, serve, repl)
	return root
}
