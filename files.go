package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/history"
	"github.com/tonimelisma/b2-go/internal/transfer"
)

func newBucketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "List buckets",
		Args:  cobra.NoArgs,
		RunE:  runBuckets,
	}

	cmd.Flags().String("name", "", "only the bucket with this name")
	cmd.Flags().String("id", "", "only the bucket with this ID")
	cmd.Flags().StringSlice("type", nil, "bucket types to include (allPublic, allPrivate, snapshot, ...)")

	return cmd
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <bucket>",
		Short: "List file names in a bucket",
		Long: `List file names in a bucket, one page at a time.

Without --all a single page is printed and the name to continue from is
reported on stderr. With --delimiter "/" names are grouped by folder.`,
		Args: cobra.ExactArgs(1),
		RunE: runLs,
	}

	cmd.Flags().String("prefix", "", "only names starting with this prefix")
	cmd.Flags().String("delimiter", "", "group names by this delimiter")
	cmd.Flags().String("start", "", "first file name to list")
	cmd.Flags().Int("max", 0, "page size (server default 100, at most 10000)")
	cmd.Flags().Bool("all", false, "follow pages until the listing is complete")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <bucket> <local-path>...",
		Short: "Upload files",
		Long: `Upload one or more files. Directories are uploaded recursively and keep
their layout under --prefix. Uploads run concurrently (see --parallel) and
files whose content already reached the bucket are skipped when
skip_unchanged is on.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runPut,
	}

	cmd.Flags().String("name", "", "remote file name (single file only)")
	cmd.Flags().String("prefix", "", "remote name prefix")

	return cmd
}

// bucketJSON is the JSON output schema for a bucket.
type bucketJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

func runBuckets(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("id")
	types, _ := cmd.Flags().GetStringSlice("type")

	client, err := clientFromConfig(cc)
	if err != nil {
		return err
	}

	buckets, err := client.ListBuckets(cmd.Context(), b2.ListBucketsOptions{
		BucketID:    id,
		BucketName:  name,
		BucketTypes: types,
	})
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })

	if cc.Flags.JSON {
		out := make([]bucketJSON, 0, len(buckets))
		for _, b := range buckets {
			out = append(out, bucketJSON{ID: b.ID, Name: b.Name, Type: b.Type})
		}

		return printJSON(os.Stdout, out)
	}

	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{b.Name, b.ID, b.Type})
	}

	printTable(os.Stdout, []string{"NAME", "ID", "TYPE"}, rows)

	return nil
}

// fileJSON is the JSON output schema for a file version.
type fileJSON struct {
	Name        string `json:"name"`
	ID          string `json:"id,omitempty"`
	Size        uint64 `json:"size"`
	Action      string `json:"action"`
	SHA1        string `json:"sha1,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	UploadedAt  string `json:"uploaded_at,omitempty"`
}

func toFileJSON(f *b2.File) fileJSON {
	return fileJSON{
		Name:        f.Name,
		ID:          f.ID,
		Size:        f.Size,
		Action:      f.Action,
		SHA1:        f.ContentSHA1,
		ContentType: f.ContentType,
		UploadedAt:  formatRFC3339(f.UploadTimestamp),
	}
}

// lsJSON wraps a page of files with the continuation name.
type lsJSON struct {
	Files        []fileJSON `json:"files"`
	NextFileName string     `json:"next_file_name,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	opts := b2.ListFileNamesOptions{}
	opts.Prefix, _ = cmd.Flags().GetString("prefix")
	opts.Delimiter, _ = cmd.Flags().GetString("delimiter")
	opts.StartFileName, _ = cmd.Flags().GetString("start")
	opts.MaxFileCount, _ = cmd.Flags().GetInt("max")
	all, _ := cmd.Flags().GetBool("all")

	client, err := clientFromConfig(cc)
	if err != nil {
		return err
	}

	bucket, err := resolveBucket(ctx, client, args[0])
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", slog.String("bucket", bucket.Name), slog.String("prefix", opts.Prefix))

	var (
		files []b2.File
		next  string
	)

	if all {
		files, err = client.ListAllFileNames(ctx, bucket.ID, opts)
	} else {
		files, next, err = client.ListFileNames(ctx, bucket.ID, opts)
	}

	if err != nil {
		return fmt.Errorf("listing %q: %w", bucket.Name, err)
	}

	if cc.Flags.JSON {
		out := lsJSON{Files: make([]fileJSON, 0, len(files)), NextFileName: next}
		for i := range files {
			out.Files = append(out.Files, toFileJSON(&files[i]))
		}

		return printJSON(os.Stdout, out)
	}

	printFilesTable(os.Stdout, files)

	if next != "" {
		cc.Statusf("More files follow; continue with --start %q\n", next)
	}

	return nil
}

// printFilesTable prints files in listing order. Folder entries from a
// delimited listing have no size or time.
func printFilesTable(w io.Writer, files []b2.File) {
	rows := make([][]string, 0, len(files))

	for i := range files {
		f := &files[i]

		if f.Action == "folder" {
			rows = append(rows, []string{"-", "-", f.Name})
			continue
		}

		rows = append(rows, []string{formatSize(int64(f.Size)), formatTime(f.UploadTimestamp), f.Name}) //nolint:gosec // sizes fit int64
	}

	printTable(w, []string{"SIZE", "UPLOADED", "NAME"}, rows)
}

// putResultJSON is the JSON output schema for one upload.
type putResultJSON struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
	File    *fileJSON `json:"file,omitempty"`
	BatchID string    `json:"batch_id,omitempty"`
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := shutdownContext(cmd.Context(), cc.Logger, "uploads")
	defer stop()

	name, _ := cmd.Flags().GetString("name")
	prefix, _ := cmd.Flags().GetString("prefix")

	jobs, err := putJobs(args[1:], name, prefix)
	if err != nil {
		return err
	}

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

	batch, runErr := mgr.UploadFiles(ctx, bucket.ID, jobs)

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, putResultsJSON(batch)); err != nil {
			return err
		}
	} else {
		printPutResults(cc, batch)
	}

	if runErr != nil {
		return runErr
	}

	if failed := len(batch.Results) - batch.Uploaded() - batch.Skipped(); failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(batch.Results))
	}

	return nil
}

// putJobs builds jobs from the put arguments. --name renames a single file.
func putJobs(paths []string, name, prefix string) ([]transfer.Job, error) {
	if name == "" {
		return transfer.CollectJobs(paths, prefix)
	}

	if len(paths) != 1 {
		return nil, errors.New("--name needs exactly one local file")
	}

	info, err := os.Stat(paths[0])
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return nil, errors.New("--name cannot be used with a directory; use --prefix")
	}

	if prefix != "" {
		name = strings.TrimSuffix(prefix, "/") + "/" + name
	}

	return []transfer.Job{{LocalPath: paths[0], Name: name}}, nil
}

// newTransferManager wires the client and, when enabled, the history
// ledger into a transfer manager. The returned func closes the ledger.
func newTransferManager(ctx context.Context, cc *CLIContext, client *b2.Client) (*transfer.Manager, func(), error) {
	opts := transfer.Options{
		Parallel:          cc.Cfg.ParallelUploads,
		SkipUnchanged:     cc.Cfg.SkipUnchanged,
		MaxFileSize:       cc.Cfg.MaxFileSize,
		DetectContentType: cc.Cfg.DetectContentType,
	}

	if !cc.Cfg.HistoryEnabled {
		return transfer.NewManager(client, nil, opts, cc.Logger), func() {}, nil
	}

	store, err := history.Open(ctx, cc.Cfg.HistoryPath, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	closeStore := func() {
		if err := store.Close(); err != nil {
			cc.Logger.Warn("closing history", slog.String("error", err.Error()))
		}
	}

	return transfer.NewManager(client, store, opts, cc.Logger), closeStore, nil
}

func resultStatus(res *transfer.Result) string {
	switch {
	case res.Err != nil:
		return "failed"
	case res.Skipped:
		return "skipped"
	default:
		return "uploaded"
	}
}

func putResultsJSON(batch *transfer.Batch) []putResultJSON {
	out := make([]putResultJSON, 0, len(batch.Results))

	for i := range batch.Results {
		out = append(out, resultJSON(batch.ID, &batch.Results[i]))
	}

	return out
}

func resultJSON(batchID string, res *transfer.Result) putResultJSON {
	r := putResultJSON{
		Path:    res.Job.LocalPath,
		Name:    res.Job.Name,
		Status:  resultStatus(res),
		Reason:  res.Reason,
		BatchID: batchID,
	}

	if res.Err != nil {
		r.Error = res.Err.Error()
	}

	if res.File != nil {
		fj := toFileJSON(res.File)
		r.File = &fj
	}

	return r
}

func printPutResults(cc *CLIContext, batch *transfer.Batch) {
	for i := range batch.Results {
		printResultLine(cc, &batch.Results[i])
	}

	cc.Statusf("%d uploaded, %d skipped, %d failed\n",
		batch.Uploaded(), batch.Skipped(), len(batch.Results)-batch.Uploaded()-batch.Skipped())
}

func printResultLine(cc *CLIContext, res *transfer.Result) {
	switch {
	case res.Err != nil:
		fmt.Fprintf(os.Stderr, "failed    %s: %v\n", res.Job.LocalPath, res.Err)
	case res.Skipped:
		cc.Statusf("skipped   %s (%s)\n", res.Job.Name, res.Reason)
	default:
		fmt.Fprintf(os.Stdout, "uploaded  %s  %s  %s\n", res.Job.Name, formatSize(int64(res.File.Size)), res.File.ID) //nolint:gosec // sizes fit int64
	}
}
