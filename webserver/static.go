package webserver

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/julienschmidt/httprouter"

	"github.com/boll7708/goutils/logger"
)

// staticDir serves one directory tree with an in-memory content cache. A
// filesystem watcher invalidates cached entries when files change, so the
// cache never serves stale content.
type staticDir struct {
	dir string
	log *logger.Logger

	mu      sync.RWMutex
	entries map[string]*staticEntry

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
}

type staticEntry struct {
	data        []byte
	etag        string
	contentType string
}

func newStaticDir(dir string, log *logger.Logger) (*staticDir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	sd := &staticDir{
		dir:       abs,
		log:       log,
		entries:   make(map[string]*staticEntry),
		stopWatch: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("Failed to create file watcher for %s, caching disabled: %v", dir, err)
	} else {
		sd.watcher = watcher
		if err := watcher.Add(abs); err != nil {
			log.Warn("Failed to watch %s: %v", abs, err)
		}
		go sd.watchFiles()
	}

	return sd, nil
}

func (sd *staticDir) close() {
	close(sd.stopWatch)
	if sd.watcher != nil {
		_ = sd.watcher.Close()
	}
}

// watchFiles monitors filesystem events and invalidates cached entries
func (sd *staticDir) watchFiles() {
	for {
		select {
		case <-sd.stopWatch:
			return
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			sd.mu.Lock()
			delete(sd.entries, event.Name)
			sd.mu.Unlock()
		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.log.Error("Static file watcher error: %v", err)
		}
	}
}

func (sd *staticDir) handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rel := strings.TrimPrefix(ps.ByName("filepath"), "/")

	full := filepath.Join(sd.dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, sd.dir+string(os.PathSeparator)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	entry, err := sd.load(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		sd.log.Error("Failed to read static file %s: %v", full, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", entry.etag)
	if entry.contentType != "" {
		w.Header().Set("Content-Type", entry.contentType)
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == entry.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	_, _ = w.Write(entry.data)
}

// load returns the cached entry for path, reading and caching it on a miss.
func (sd *staticDir) load(path string) (*staticEntry, error) {
	sd.mu.RLock()
	entry, ok := sd.entries[path]
	sd.mu.RUnlock()
	if ok {
		return entry, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entry = &staticEntry{
		data:        data,
		etag:        fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(data))),
		contentType: mime.TypeByExtension(filepath.Ext(path)),
	}

	sd.mu.Lock()
	sd.entries[path] = entry
	sd.mu.Unlock()

	// Watch the file's directory so edits invalidate the entry.
	if sd.watcher != nil {
		if err := sd.watcher.Add(filepath.Dir(path)); err != nil {
			sd.log.Debug("Failed to watch %s: %v", filepath.Dir(path), err)
		}
	}

	return entry, nil
}
