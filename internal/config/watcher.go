package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reports changes to the credentials file. Credentials are loaded
// once at startup; the watcher only logs that a restart is needed so that
// edits do not go unnoticed.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *logrus.Entry
	done    chan struct{}
}

// WatchFile starts watching path. The parent directory is watched because
// editors typically replace the file instead of writing in place.
func WatchFile(path string, log *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		log:     log.WithField("component", "config-watcher"),
		done:    make(chan struct{}),
	}

	target := filepath.Clean(path)
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.log.WithField("file", target).Warn("Credentials file changed on disk; restart to apply")
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("Credentials file watch error")
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
