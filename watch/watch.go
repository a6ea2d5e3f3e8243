// Package watch re-runs a conversion whenever one of its input files
// changes.
package watch

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is the outcome of one triggered run.
type Event struct {
	// Name of the changed file that triggered the run.
	Name string

	// Err is the error returned by the run, if any.
	Err error
}

// Opts are options for a new Watcher.
type Opts struct {
	Verbose bool

	// Settle is how long to wait after the last change before running, so
	// a file being written in several steps triggers one run.
	Settle time.Duration
}

// Watcher watches a set of files and calls a run function after they change.
// Runs never overlap, changes arriving during a run trigger one more run.
type Watcher struct {
	Events chan Event

	opts    Opts
	files   map[string]bool
	run     func() error
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New starts watching files and calls run after each change. Directories of
// the files are watched rather than the files themselves, so editors that
// replace a file on save are noticed too.
//
// Callers must call Close to clean up.
func New(files []string, run func() error, opts Opts) (w *Watcher, rerr error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}
	if opts.Settle <= 0 {
		opts.Settle = 250 * time.Millisecond
	}

	w = &Watcher{
		Events: make(chan Event, 1),
		opts:   opts,
		files:  map[string]bool{},
		run:    run,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new file change watcher: %v", err)
	}
	w.watcher = watcher

	// Ensure cleanup in case of failure.
	defer func() {
		if rerr != nil {
			watcher.Close()
		}
	}()

	dirs := map[string]bool{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %v", f, err)
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("registering file change watcher for %s: %v", dir, err)
		}
		if opts.Verbose {
			log.Printf("watching %s", dir)
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) logf(format string, args ...interface{}) {
	if w.opts.Verbose {
		log.Printf(format, args...)
	}
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var pending string

	for {
		select {
		case <-w.stop:
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !w.files[abs] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logf("change %s on %s", ev.Op, ev.Name)
			pending = ev.Name
			timer.Reset(w.opts.Settle)

		case <-timer.C:
			name := pending
			pending = ""
			err := w.run()
			select {
			case w.Events <- Event{Name: name, Err: err}:
			case <-w.stop:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.Events <- Event{Err: fmt.Errorf("watching for changes: %v", err)}:
			case <-w.stop:
				return
			}
		}
	}
}

// Close stops watching. A run in progress finishes first.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.watcher.Close()
}
