package aggregator

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Denylist is the set of chain labels the aggregator refuses to track.
// Safe for concurrent use; Reload swaps the set atomically.
type Denylist struct {
	path string

	mu     sync.RWMutex
	denied map[string]struct{}
}

type denylistFile struct {
	DeniedChains []string `yaml:"denied_chains"`
}

// LoadDenylist reads the YAML denylist at path. An empty path yields an
// empty, non-reloading denylist.
func LoadDenylist(path string) (*Denylist, error) {
	d := &Denylist{path: path, denied: make(map[string]struct{})}
	if path == "" {
		return d, nil
	}

	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file.
func (d *Denylist) Reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return errors.Wrap(err, "read denylist")
	}

	var file denylistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return errors.Wrap(err, "parse denylist")
	}

	denied := make(map[string]struct{}, len(file.DeniedChains))
	for _, label := range file.DeniedChains {
		denied[label] = struct{}{}
	}

	d.mu.Lock()
	d.denied = denied
	d.mu.Unlock()

	return nil
}

// Denied reports whether the chain label is denied.
func (d *Denylist) Denied(label string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, denied := d.denied[label]
	return denied
}

// Len reports the number of denied chains.
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.denied)
}

// Watch reloads the denylist whenever the backing file changes, until ctx
// is done. Editors replace files rather than writing in place, so the
// watch is on the parent directory. A failed reload keeps the previous
// set.
func (d *Denylist) Watch(ctx context.Context, logger log.Logger) error {
	if d.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create denylist watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return errors.Wrap(err, "watch denylist directory")
	}

	logger = logger.Package("denylist")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := d.Reload(); err != nil {
				logger.Error(err, "reload denylist")
				continue
			}
			logger.With("chains", d.Len()).Info("denylist reloaded")

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(watchErr, "denylist watcher")

		case <-ctx.Done():
			return nil
		}
	}
}
