package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
	"github.com/tonimelisma/b2-go/internal/transfer"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <bucket> <dir>",
		Short: "Upload files as they appear or change in a directory",
		Long: `Watch a directory tree and upload every file that is created or
written, once it has been quiet for a short moment. Runs until interrupted.
Existing files are not uploaded at start; use put for that.`,
		Args: cobra.ExactArgs(2),
		RunE: runWatch,
	}

	cmd.Flags().String("prefix", "", "remote name prefix")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := shutdownContext(cmd.Context(), cc.Logger, "watch")
	defer stop()

	dir := args[1]
	prefix, _ := cmd.Flags().GetString("prefix")

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	unlock, err := acquireWatchLock(config.DefaultDataDir(), dir)
	if err != nil {
		return err
	}
	defer unlock()

	client, err := clientFromConfig(cc)
	if err != nil {
		return err
	}

	bucket, err := resolveBucket(ctx, client, args[0])
	if err != nil {
		return err
	}

	mgr, closeLedger, err := newTransferManager(ctx, cc, client)
	if err != nil {
		return err
	}
	defer closeLedger()

	results := make(chan transfer.Result)
	done := make(chan error, 1)

	go func() {
		done <- mgr.Watch(ctx, bucket.ID, dir, prefix, results)
		close(results)
	}()

	cc.Statusf("Watching %s for uploads to %s (Ctrl-C to stop)\n", dir, bucket.Name)

	for res := range results {
		if cc.Flags.JSON {
			if err := printJSON(os.Stdout, resultJSON("", &res)); err != nil {
				cc.Logger.Warn("writing result", slog.String("error", err.Error()))
			}

			continue
		}

		printResultLine(cc, &res)
	}

	if err := <-done; err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}

	cc.Statusf("Stopped watching %s\n", dir)

	return nil
}
