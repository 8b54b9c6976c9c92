package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFsWatcher implements FsWatcher with injectable channels for testing.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu    sync.Mutex
	added []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) addedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.added...)
}

// sleepRecorder captures durations passed to sleepFunc.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, d)

	return nil
}

func (s *sleepRecorder) getCalls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.calls...)
}

// startWatch runs Watch in the background and returns a stop func that
// cancels it and waits for it to return.
func startWatch(
	t *testing.T, m *Manager, root string, results chan<- Result,
) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- m.Watch(ctx, "bucket-1", root, "inbox", results)
	}()

	var once sync.Once

	var err error

	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})

		return err
	}

	t.Cleanup(func() { _ = stop() })

	return stop
}

func newWatchManager(t *testing.T, up Uploader, w *mockFsWatcher) *Manager {
	t.Helper()

	m := newTestManager(t, up, nil, Options{Parallel: 2})
	m.debounce = 20 * time.Millisecond
	m.watcherFactory = func() (FsWatcher, error) { return w, nil }

	return m
}

func receive(t *testing.T, results <-chan Result) Result {
	t.Helper()

	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for upload result")
		return Result{}
	}
}

func TestWatch_UploadsWrittenFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeFile(t, root, "report.txt", "v1")

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)

	results := make(chan Result, 10)
	stop := startWatch(t, m, root, results)

	// Several writes in a burst upload once.
	for range 3 {
		w.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	}

	res := receive(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, "inbox/report.txt", res.Job.Name)
	assert.Equal(t, path, res.Job.LocalPath)

	require.NoError(t, stop())
	assert.Equal(t, 1, up.count())
	assert.Contains(t, w.addedPaths(), root)
}

func TestWatch_NewDirectoryIsWatchedAndScanned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)

	results := make(chan Result, 10)
	stop := startWatch(t, m, root, results)

	// Files landed before the watch on the new directory existed.
	sub := filepath.Join(root, "2024")
	writeFile(t, sub, "a.jpg", "a")
	writeFile(t, sub, "deep/b.jpg", "b")
	writeFile(t, sub, "c.jpg.partial", "c")

	w.events <- fsnotify.Event{Name: sub, Op: fsnotify.Create}

	got := map[string]bool{}
	for range 2 {
		res := receive(t, results)
		require.NoError(t, res.Err)
		got[res.Job.Name] = true
	}

	require.NoError(t, stop())

	assert.Equal(t, map[string]bool{"inbox/2024/a.jpg": true, "inbox/2024/deep/b.jpg": true}, got)
	assert.Contains(t, w.addedPaths(), sub)
	assert.Contains(t, w.addedPaths(), filepath.Join(sub, "deep"))
	assert.Equal(t, 2, up.count())
}

func TestWatch_RemoveCancelsPending(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeFile(t, root, "gone.txt", "x")

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)

	// Long debounce so the remove arrives before any flush.
	m.debounce = 200 * time.Millisecond

	results := make(chan Result, 10)
	stop := startWatch(t, m, root, results)

	w.events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	w.events <- fsnotify.Event{Name: path, Op: fsnotify.Remove}

	time.Sleep(600 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 0, up.count())
}

func TestWatch_RemovedDirectoryDropsQueuedFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	album := filepath.Join(root, "album")
	a := writeFile(t, album, "a.jpg", "a")
	b := writeFile(t, album, "nested/b.jpg", "b")
	sibling := writeFile(t, root, "album2.jpg", "s")

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)
	m.debounce = 200 * time.Millisecond

	results := make(chan Result, 10)
	stop := startWatch(t, m, root, results)

	w.events <- fsnotify.Event{Name: a, Op: fsnotify.Write}
	w.events <- fsnotify.Event{Name: b, Op: fsnotify.Write}
	w.events <- fsnotify.Event{Name: sibling, Op: fsnotify.Write}

	require.NoError(t, os.RemoveAll(album))
	w.events <- fsnotify.Event{Name: album, Op: fsnotify.Remove}

	res := receive(t, results)
	require.NoError(t, res.Err)
	assert.Equal(t, "inbox/album2.jpg", res.Job.Name)

	time.Sleep(500 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 1, up.count())
	assert.Empty(t, results)
}

func TestWatch_IgnoresChmodAndTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	plain := writeFile(t, root, "plain.txt", "x")
	swap := writeFile(t, root, "plain.txt.swp", "x")

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)

	stop := startWatch(t, m, root, nil)

	w.events <- fsnotify.Event{Name: plain, Op: fsnotify.Chmod}
	w.events <- fsnotify.Event{Name: swap, Op: fsnotify.Write}

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 0, up.count())
}

func TestWatch_CreatedThenVanished(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	w := newMockFsWatcher()
	up := &fakeUploader{}
	m := newWatchManager(t, up, w)

	stop := startWatch(t, m, root, nil)

	w.events <- fsnotify.Event{Name: filepath.Join(root, "ephemeral"), Op: fsnotify.Create}

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 0, up.count())
}

func TestWatch_BackoffEscalates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	recorder := &sleepRecorder{}
	w := newMockFsWatcher()
	m := newWatchManager(t, &fakeUploader{}, w)
	m.sleepFunc = recorder.sleep

	stop := startWatch(t, m, root, nil)

	w.errs <- errors.New("error 1")
	w.errs <- errors.New("error 2")

	require.Eventually(t, func() bool { return len(recorder.getCalls()) == 2 }, 5*time.Second, 5*time.Millisecond)

	calls := recorder.getCalls()
	assert.Equal(t, watchErrInitBackoff, calls[0])
	assert.Equal(t, watchErrInitBackoff*watchErrBackoffMult, calls[1])

	// An event resets the backoff.
	w.events <- fsnotify.Event{Name: filepath.Join(root, "x"), Op: fsnotify.Chmod}

	require.Eventually(t, func() bool { return len(w.events) == 0 }, 5*time.Second, 5*time.Millisecond)

	w.errs <- errors.New("error 3")

	require.Eventually(t, func() bool { return len(recorder.getCalls()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, watchErrInitBackoff, recorder.getCalls()[2])

	require.NoError(t, stop())
}

func TestWatch_BackoffCapped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	recorder := &sleepRecorder{}
	w := newMockFsWatcher()
	m := newWatchManager(t, &fakeUploader{}, w)
	m.sleepFunc = recorder.sleep

	stop := startWatch(t, m, root, nil)

	for range 8 {
		w.errs <- errors.New("overflow")
	}

	require.Eventually(t, func() bool { return len(recorder.getCalls()) == 8 }, 5*time.Second, 5*time.Millisecond)

	for _, d := range recorder.getCalls() {
		assert.LessOrEqual(t, d, watchErrMaxBackoff)
	}

	assert.Equal(t, watchErrMaxBackoff, recorder.getCalls()[7])

	require.NoError(t, stop())
}

func TestWatch_FactoryError(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &fakeUploader{}, nil, Options{})
	m.watcherFactory = func() (FsWatcher, error) { return nil, errors.New("too many open files") }

	err := m.Watch(context.Background(), "bucket-1", t.TempDir(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many open files")
}

func TestWatch_MissingRoot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &fakeUploader{}, nil, Options{})
	m.watcherFactory = func() (FsWatcher, error) { return newMockFsWatcher(), nil }

	err := m.Watch(context.Background(), "bucket-1", filepath.Join(t.TempDir(), "nope"), "", nil)
	require.Error(t, err)
}

func TestTimeSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, timeSleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, timeSleep(ctx, time.Hour), context.Canceled)
}
