package mixer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weiawesome/bilimix/internal/log"
)

// SegmentStatus is a snapshot of the HLS output directory's liveness.
type SegmentStatus struct {
	PlaylistReady bool      `json:"playlist_ready"`
	LatestSegment string    `json:"latest_segment,omitempty"`
	LatestAt      time.Time `json:"latest_at,omitempty"`
}

// SegmentWatcher monitors the mix output directory and records the newest
// segment, so the control surface can tell whether the encoder is actually
// producing output.
type SegmentWatcher struct {
	dir     string
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	status SegmentStatus

	done chan struct{}
}

func NewSegmentWatcher(dir string) *SegmentWatcher {
	return &SegmentWatcher{dir: dir, done: make(chan struct{})}
}

// Start begins watching. The directory is created if missing so the watch
// can be registered before ffmpeg writes anything.
func (w *SegmentWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.loop()
	return nil
}

func (w *SegmentWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.record(filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.L().Warn().Err(err).Msg("segment watcher error")
		}
	}
}

func (w *SegmentWatcher) record(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		w.status.PlaylistReady = true
	case strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".m4s"):
		w.status.LatestSegment = name
		w.status.LatestAt = time.Now()
	}
}

// Status returns the current snapshot.
func (w *SegmentWatcher) Status() SegmentStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Stop closes the watch and waits for the loop to exit.
func (w *SegmentWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
}
