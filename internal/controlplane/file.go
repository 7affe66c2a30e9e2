package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"
)

// fileDocument is the on-disk shape of a knob file:
//
//	version: "2026-03-01"
//	knobs:
//	  room_concurrency: 2
//	  lease_ttl_ms: 15000
type fileDocument struct {
	Version string `yaml:"version"`
	Knobs   Knobs  `yaml:"knobs"`
}

// FileResolver resolves knobs from a YAML file and can watch it for
// changes so the conductor can force a settings refresh on edit.
type FileResolver struct {
	path string

	mu     sync.RWMutex
	cached Resolution
	loaded bool

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path, done: make(chan struct{})}
}

func (r *FileResolver) Resolve(ctx context.Context, q Query, opts ResolveOptions) (Resolution, error) {
	if !opts.SkipCache {
		r.mu.RLock()
		if r.loaded {
			cached := r.cached
			r.mu.RUnlock()
			return cached, nil
		}
		r.mu.RUnlock()
	}
	return r.reload()
}

func (r *FileResolver) reload() (Resolution, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Resolution{}, fmt.Errorf("read knob file: %w", err)
	}
	var doc fileDocument
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return Resolution{}, fmt.Errorf("parse knob file: %w", err)
	}
	res := Resolution{Knobs: doc.Knobs, ConfigVersion: doc.Version}

	r.mu.Lock()
	r.cached = res
	r.loaded = true
	r.mu.Unlock()
	return res, nil
}

// Watch starts an fsnotify loop on the knob file's directory and invokes
// onChange after every successful reload. Call Close to stop watching.
func (r *FileResolver) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if _, err := r.reload(); err == nil {
						onChange()
					}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (r *FileResolver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
	r.wg.Wait()
	return nil
}
