package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/history"
)

const defaultHistoryLimit = 50

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the local upload ledger",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().String("bucket-id", "", "only uploads to this bucket ID")
	cmd.Flags().String("batch", "", "only uploads from this batch")
	cmd.Flags().Int("limit", defaultHistoryLimit, "maximum entries (0 = all)")

	return cmd
}

// historyJSON is the JSON output schema for a ledger entry.
type historyJSON struct {
	ID         int64  `json:"id"`
	BatchID    string `json:"batch_id"`
	BucketID   string `json:"bucket_id"`
	FileName   string `json:"file_name"`
	FileID     string `json:"file_id"`
	Size       int64  `json:"size"`
	SHA1       string `json:"sha1"`
	LocalPath  string `json:"local_path,omitempty"`
	UploadedAt string `json:"uploaded_at"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if !cc.Cfg.HistoryEnabled {
		cc.Statusf("Upload history is disabled ([history] enabled = false)\n")
		return nil
	}

	var f history.Filter
	f.BucketID, _ = cmd.Flags().GetString("bucket-id")
	f.BatchID, _ = cmd.Flags().GetString("batch")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	store, err := history.Open(cmd.Context(), cc.Cfg.HistoryPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context(), f)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]historyJSON, 0, len(entries))
		for i := range entries {
			e := &entries[i]
			out = append(out, historyJSON{
				ID:         e.ID,
				BatchID:    e.BatchID,
				BucketID:   e.BucketID,
				FileName:   e.FileName,
				FileID:     e.FileID,
				Size:       e.Size,
				SHA1:       e.SHA1,
				LocalPath:  e.LocalPath,
				UploadedAt: formatRFC3339(e.UploadedAt),
			})
		}

		return printJSON(os.Stdout, out)
	}

	printHistoryTable(cc, entries)

	return nil
}

func printHistoryTable(cc *CLIContext, entries []history.Entry) {
	if len(entries) == 0 {
		cc.Statusf("No uploads recorded.\n")
		return
	}

	rows := make([][]string, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			formatTime(e.UploadedAt),
			formatSize(e.Size),
			e.BucketID,
			e.FileName,
		})
	}

	printTable(os.Stdout, []string{"ID", "UPLOADED", "SIZE", "BUCKET", "NAME"}, rows)
}
