package transfer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce     = 500 * time.Millisecond
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the part of *fsnotify.Watcher the watch loop uses.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// timeSleep waits for d or until ctx is done.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// watchState tracks files waiting for their writes to settle.
type watchState struct {
	bucketID string
	root     string
	prefix   string
	pending  map[string]time.Time
}

// Watch uploads files created or modified under root until ctx is done.
// Each path is uploaded once it has been quiet for the debounce interval,
// so a file written in several chunks goes up once. Results are sent on
// results when it is non-nil. Returns nil on cancellation.
func (m *Manager) Watch(ctx context.Context, bucketID, root, prefix string, results chan<- Result) error {
	watcher, err := m.watcherFactory()
	if err != nil {
		return err
	}
	defer watcher.Close()

	st := &watchState{
		bucketID: bucketID,
		root:     root,
		prefix:   prefix,
		pending:  make(map[string]time.Time),
	}

	if err := m.addWatchesRecursive(watcher, root, st, false); err != nil {
		return err
	}

	m.logger.Info("watch: started",
		slog.String("root", root),
		slog.String("bucket_id", bucketID),
		slog.Duration("debounce", m.debounce),
	)

	return m.watchLoop(ctx, watcher, st, results)
}

func (m *Manager) watchLoop(ctx context.Context, watcher FsWatcher, st *watchState, results chan<- Result) error {
	flushTicker := time.NewTicker(m.debounce)
	defer flushTicker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			m.handleFsEvent(ev, watcher, st)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			m.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := m.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-flushTicker.C:
			m.flushSettled(ctx, st, results)
		}
	}
}

func (m *Manager) handleFsEvent(ev fsnotify.Event, watcher FsWatcher, st *watchState) {
	// Mode changes carry no new content.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if isIgnored(filepath.Base(ev.Name)) {
		m.logger.Debug("watch: skipping ignored file", slog.String("path", ev.Name))
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Removed right after creation.
			m.logger.Debug("watch: stat failed for created path",
				slog.String("path", ev.Name), slog.String("error", err.Error()))

			return
		}

		if info.IsDir() {
			// Files may land in the directory before the watch is added.
			if err := m.addWatchesRecursive(watcher, ev.Name, st, true); err != nil {
				m.logger.Warn("watch: failed to watch new directory",
					slog.String("path", ev.Name), slog.String("error", err.Error()))
			}

			return
		}

		m.touch(st, ev.Name)

	case ev.Has(fsnotify.Write):
		m.touch(st, ev.Name)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		m.forget(st, ev.Name)
	}
}

// forget drops path from the pending set along with anything below it, so
// a removed or renamed directory takes its queued files with it.
func (m *Manager) forget(st *watchState, path string) {
	delete(st.pending, path)

	dirPrefix := path + string(filepath.Separator)
	for p := range st.pending {
		if strings.HasPrefix(p, dirPrefix) {
			delete(st.pending, p)
		}
	}
}

func (m *Manager) touch(st *watchState, path string) {
	st.pending[path] = m.nowFunc()
}

// addWatchesRecursive watches dir and every directory below it. With
// enqueue set, regular files already present are queued for upload.
func (m *Manager) addWatchesRecursive(watcher FsWatcher, dir string, st *watchState, enqueue bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if addErr := watcher.Add(path); addErr != nil {
				return addErr
			}

			m.logger.Debug("watch: added directory", slog.String("path", path))

			return nil
		}

		if enqueue && d.Type().IsRegular() && !isIgnored(d.Name()) {
			m.touch(st, path)
		}

		return nil
	})
}

// flushSettled uploads every pending path that has been quiet for at least
// the debounce interval.
func (m *Manager) flushSettled(ctx context.Context, st *watchState, results chan<- Result) {
	now := m.nowFunc()

	var jobs []Job

	for path, last := range st.pending {
		if now.Sub(last) < m.debounce {
			continue
		}

		delete(st.pending, path)

		rel, err := filepath.Rel(st.root, path)
		if err != nil {
			m.logger.Warn("watch: failed to compute relative path",
				slog.String("path", path), slog.String("error", err.Error()))

			continue
		}

		jobs = append(jobs, Job{LocalPath: path, Name: remoteName(st.prefix, rel)})
	}

	if len(jobs) == 0 {
		return
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	batch, err := m.UploadFiles(ctx, st.bucketID, jobs)
	if err != nil && ctx.Err() == nil {
		m.logger.Error("watch: upload batch stopped",
			slog.String("batch_id", batch.ID),
			slog.String("error", err.Error()),
		)
	}

	if results == nil {
		return
	}

	for _, res := range batch.Results {
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}
