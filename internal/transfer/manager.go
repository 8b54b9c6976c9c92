// Package transfer uploads local files to a B2 bucket. Batches run through a
// bounded worker pool that shares one b2 client, so every worker draws on the
// same account session and the same per-bucket upload lease. Watch mode feeds
// the same pool from filesystem events.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/history"
)

const defaultParallel = 4

// ErrNotRegular is returned for jobs that point at a directory, device or
// other non-regular file.
var ErrNotRegular = errors.New("transfer: not a regular file")

// Skip reasons reported in Result.Reason.
const (
	ReasonUnchanged = "unchanged"
	ReasonTooLarge  = "too large"
)

// Uploader is the slice of *b2.Client the manager needs.
type Uploader interface {
	UploadFileWithOptions(
		ctx context.Context, bucketID, name string, r io.Reader, opts b2.UploadOptions,
	) (*b2.File, error)
}

// Ledger remembers completed uploads. *history.Store satisfies it.
type Ledger interface {
	Record(ctx context.Context, e history.Entry) (int64, error)
	Lookup(ctx context.Context, bucketID, fileName string) (*history.Entry, error)
}

// Options tunes a Manager.
type Options struct {
	// Parallel bounds concurrent uploads. Values < 1 use the default (4).
	Parallel int
	// SkipUnchanged skips files whose size and SHA-1 match the ledger.
	SkipUnchanged bool
	// MaxFileSize skips larger files. Zero means no limit.
	MaxFileSize int64
	// DetectContentType sniffs the MIME type from the content. Otherwise B2
	// picks one from the file name extension.
	DetectContentType bool
}

// Job is one local file to upload under a bucket file name.
type Job struct {
	LocalPath string
	Name      string
}

// Result is the outcome of one Job.
type Result struct {
	Job     Job
	File    *b2.File
	Skipped bool
	Reason  string
	Err     error
}

// Batch groups the results of one UploadFiles call. ID is recorded with
// every ledger entry the batch writes.
type Batch struct {
	ID      string
	Results []Result
}

// Uploaded counts results that reached the bucket.
func (b *Batch) Uploaded() int {
	n := 0

	for i := range b.Results {
		if b.Results[i].File != nil {
			n++
		}
	}

	return n
}

// Skipped counts results skipped without uploading.
func (b *Batch) Skipped() int {
	n := 0

	for i := range b.Results {
		if b.Results[i].Skipped {
			n++
		}
	}

	return n
}

// Err joins every per-job error, or returns nil.
func (b *Batch) Err() error {
	var errs []error

	for i := range b.Results {
		if b.Results[i].Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Results[i].Job.LocalPath, b.Results[i].Err))
		}
	}

	return errors.Join(errs...)
}

// Manager runs upload batches.
type Manager struct {
	uploader Uploader
	ledger   Ledger
	opts     Options
	logger   *slog.Logger

	newBatchID func() string
	nowFunc    func() time.Time

	// Watch mode. Tests override these.
	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error
	debounce       time.Duration
}

// NewManager creates a Manager. ledger may be nil, which disables both
// recording and SkipUnchanged.
func NewManager(uploader Uploader, ledger Ledger, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Parallel < 1 {
		opts.Parallel = defaultParallel
	}

	return &Manager{
		uploader:       uploader,
		ledger:         ledger,
		opts:           opts,
		logger:         logger,
		newBatchID:     uuid.NewString,
		nowFunc:        time.Now,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      timeSleep,
		debounce:       defaultDebounce,
	}
}

// UploadFiles uploads jobs to bucketID with at most Options.Parallel in
// flight. Per-job failures land in the returned Batch. The error is non-nil
// only when the batch was cut short: the context ended, or an error showed
// that no further upload could succeed (bad credentials, missing
// capability, exhausted transaction cap).
func (m *Manager) UploadFiles(ctx context.Context, bucketID string, jobs []Job) (*Batch, error) {
	batch := &Batch{
		ID:      m.newBatchID(),
		Results: make([]Result, len(jobs)),
	}

	if len(jobs) == 0 {
		return batch, nil
	}

	m.logger.Info("transfer: starting uploads",
		slog.String("batch_id", batch.ID),
		slog.String("bucket_id", bucketID),
		slog.Int("count", len(jobs)),
		slog.Int("workers", m.opts.Parallel),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallel)

	var mu sync.Mutex

	uploaded, skipped, failed := 0, 0, 0

	for i := range jobs {
		g.Go(func() error {
			var res Result
			if err := gctx.Err(); err != nil {
				res = Result{Job: jobs[i], Err: err}
			} else {
				res = m.uploadOne(gctx, bucketID, batch.ID, jobs[i])
			}

			batch.Results[i] = res

			mu.Lock()
			switch {
			case res.Err != nil:
				failed++
			case res.Skipped:
				skipped++
			default:
				uploaded++
			}
			mu.Unlock()

			if res.Err == nil {
				return nil
			}

			if isFatal(res.Err) {
				return res.Err
			}

			m.logger.Warn("transfer: upload failed",
				slog.String("path", jobs[i].LocalPath),
				slog.String("error", res.Err.Error()),
			)

			return nil
		})
	}

	err := g.Wait()

	m.logger.Info("transfer: uploads finished",
		slog.String("batch_id", batch.ID),
		slog.Int("uploaded", uploaded),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
	)

	if err == nil {
		err = ctx.Err()
	}

	return batch, err
}

// isFatal reports whether err means every remaining upload would fail too.
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	switch b2.KindOf(err) {
	case b2.KindBadAuthToken, b2.KindUnauthorized, b2.KindTransactionCapExceeded:
		return true
	default:
		return false
	}
}

func (m *Manager) uploadOne(ctx context.Context, bucketID, batchID string, job Job) Result {
	res := Result{Job: job}

	info, err := os.Stat(job.LocalPath)
	if err != nil {
		res.Err = err
		return res
	}

	if !info.Mode().IsRegular() {
		res.Err = ErrNotRegular
		return res
	}

	if m.opts.MaxFileSize > 0 && info.Size() > m.opts.MaxFileSize {
		m.logger.Info("transfer: skipping file over size limit",
			slog.String("path", job.LocalPath),
			slog.Int64("size", info.Size()),
			slog.Int64("limit", m.opts.MaxFileSize),
		)

		res.Skipped, res.Reason = true, ReasonTooLarge

		return res
	}

	data, err := os.ReadFile(job.LocalPath)
	if err != nil {
		res.Err = err
		return res
	}

	sha := b2.ContentSHA1(data)

	if m.unchanged(ctx, bucketID, job.Name, int64(len(data)), sha) {
		m.logger.Debug("transfer: skipping unchanged file",
			slog.String("path", job.LocalPath),
			slog.String("name", job.Name),
		)

		res.Skipped, res.Reason = true, ReasonUnchanged

		return res
	}

	opts := b2.UploadOptions{LastModified: info.ModTime()}
	if m.opts.DetectContentType {
		opts.ContentType = mimetype.Detect(data).String()
	}

	file, err := m.uploader.UploadFileWithOptions(ctx, bucketID, job.Name, bytes.NewReader(data), opts)
	if err != nil {
		res.Err = err
		return res
	}

	res.File = file
	m.record(ctx, batchID, bucketID, job, file, sha)

	return res
}

func (m *Manager) unchanged(ctx context.Context, bucketID, name string, size int64, sha string) bool {
	if !m.opts.SkipUnchanged || m.ledger == nil {
		return false
	}

	prev, err := m.ledger.Lookup(ctx, bucketID, name)
	if err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			m.logger.Warn("transfer: history lookup failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
		}

		return false
	}

	return prev.Size == size && prev.SHA1 == sha
}

// record writes the ledger entry. A ledger failure does not fail an upload
// that already reached the bucket.
func (m *Manager) record(ctx context.Context, batchID, bucketID string, job Job, file *b2.File, sha string) {
	if m.ledger == nil {
		return
	}

	absPath, err := filepath.Abs(job.LocalPath)
	if err != nil {
		absPath = job.LocalPath
	}

	if file.ContentSHA1 != "" {
		sha = file.ContentSHA1
	}

	_, err = m.ledger.Record(ctx, history.Entry{
		BatchID:    batchID,
		BucketID:   bucketID,
		FileName:   file.Name,
		FileID:     file.ID,
		Size:       int64(file.Size), //nolint:gosec // B2 caps single uploads at 5 GB
		SHA1:       sha,
		LocalPath:  absPath,
		UploadedAt: m.nowFunc(),
	})
	if err != nil {
		m.logger.Warn("transfer: recording upload failed",
			slog.String("name", file.Name),
			slog.String("error", err.Error()),
		)
	}
}

// CollectJobs expands local paths into jobs. Directories are walked
// recursively and their files keep their relative layout under prefix.
// A plain file is uploaded as prefix + its base name.
func CollectJobs(paths []string, prefix string) ([]Job, error) {
	var jobs []Job

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("transfer: %w", err)
		}

		if !info.IsDir() {
			jobs = append(jobs, Job{LocalPath: p, Name: remoteName(prefix, filepath.Base(p))})
			continue
		}

		walkErr := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if !d.Type().IsRegular() || isIgnored(d.Name()) {
				return nil
			}

			rel, err := filepath.Rel(p, path)
			if err != nil {
				return err
			}

			jobs = append(jobs, Job{LocalPath: path, Name: remoteName(prefix, rel)})

			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("transfer: walking %s: %w", p, walkErr)
		}
	}

	return jobs, nil
}

// remoteName joins prefix and a relative local path with forward slashes.
func remoteName(prefix, rel string) string {
	rel = filepath.ToSlash(rel)

	if prefix == "" {
		return rel
	}

	return strings.TrimSuffix(prefix, "/") + "/" + rel
}

// isIgnored matches editor and download temp files.
func isIgnored(name string) bool {
	if strings.HasPrefix(name, ".~") || strings.HasSuffix(name, "~") {
		return true
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".swp", ".partial", ".crdownload":
		return true
	default:
		return false
	}
}
