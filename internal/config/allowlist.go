package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"onbehalf/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// AllowList is a thread-safe set of approved delegation target SPNs.
// It supports hot-reloading from a file so operators can extend the
// list without restarting the broker; engines re-check membership at
// use time, not only at acquisition time, because of this.
type AllowList struct {
	mu      sync.RWMutex
	targets map[string]bool

	// filePath is set when the list is file-backed.
	filePath string

	watchMu   sync.Mutex
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewAllowList creates a static allow-list from the given SPNs.
func NewAllowList(targets []string) *AllowList {
	list := &AllowList{targets: make(map[string]bool)}
	list.replace(targets)
	return list
}

// NewAllowListFromFile creates a file-backed allow-list. The file holds
// one SPN per line; blank lines and lines starting with '#' are ignored.
func NewAllowListFromFile(path string) (*AllowList, error) {
	list := &AllowList{
		targets:  make(map[string]bool),
		filePath: path,
	}
	if err := list.reload(); err != nil {
		return nil, err
	}
	return list, nil
}

// normalizeSPN folds an SPN for membership comparison. Kerberos service
// classes and hostnames are case-insensitive in practice (MS-SFU
// deployments mix cases freely), so membership must not depend on case.
func normalizeSPN(spn string) string {
	return strings.ToLower(strings.TrimSpace(spn))
}

// Contains reports whether the SPN is an approved delegation target.
func (l *AllowList) Contains(spn string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.targets[normalizeSPN(spn)]
}

// Snapshot returns the current members, normalized. For diagnostics.
func (l *AllowList) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	targets := make([]string, 0, len(l.targets))
	for spn := range l.targets {
		targets = append(targets, spn)
	}
	return targets
}

// Len returns the member count.
func (l *AllowList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.targets)
}

func (l *AllowList) replace(targets []string) {
	next := make(map[string]bool, len(targets))
	for _, spn := range targets {
		normalized := normalizeSPN(spn)
		if normalized != "" {
			next[normalized] = true
		}
	}
	l.mu.Lock()
	l.targets = next
	l.mu.Unlock()
}

// reload re-reads the backing file and replaces the member set.
func (l *AllowList) reload() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return fmt.Errorf("reading allow-list file %s: %w", l.filePath, err)
	}

	var targets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if len(targets) == 0 {
		return fmt.Errorf("allow-list file %s contains no targets", l.filePath)
	}

	l.replace(targets)
	logging.Info("AllowList", "Loaded %d delegation targets from %s", len(targets), l.filePath)
	return nil
}

// Watch begins watching the backing file for changes. It is a no-op for
// static lists. A reload that fails keeps the previous member set; an
// empty or unreadable file never silently clears the list.
func (l *AllowList) Watch() error {
	if l.filePath == "" {
		return nil
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.fsWatcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating allow-list watcher: %w", err)
	}
	// Watch the directory: editors and config tools replace files by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(l.filePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(l.filePath), err)
	}

	l.fsWatcher = watcher
	l.stopCh = make(chan struct{})

	go l.processEvents(watcher.Events, watcher.Errors)

	logging.Info("AllowList", "Watching %s for delegation target changes", l.filePath)
	return nil
}

// StopWatch stops the file watcher, if running.
func (l *AllowList) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.fsWatcher == nil {
		return
	}
	close(l.stopCh)
	l.fsWatcher.Close()
	l.fsWatcher = nil
}

func (l *AllowList) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				logging.Error("AllowList", err, "Reload failed, keeping previous %d targets", l.Len())
			}
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("AllowList", err, "Allow-list watcher error")
		}
	}
}
