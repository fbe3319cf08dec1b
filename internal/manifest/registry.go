// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

//go:embed manifests/*.yaml
var bundled embed.FS

// Registry holds the loaded provider manifests. Bundled manifests ship
// inside the binary; an optional overlay directory can override or add
// manifests and is re-read on file change.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest

	overlayDir string
	logger     *slog.Logger

	fsWatcher *fsnotify.Watcher
	reload    *time.Timer
	wg        sync.WaitGroup
	done      chan struct{}
}

// RegistryConfig configures manifest loading.
type RegistryConfig struct {
	// OverlayDir, when set, is a directory of *.yaml manifests that
	// override bundled manifests with the same name.
	OverlayDir string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// NewRegistry loads the bundled manifests plus any overlay directory.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		manifests:  make(map[string]*Manifest),
		overlayDir: cfg.OverlayDir,
		logger:     logger,
		done:       make(chan struct{}),
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load reads bundled manifests, then overlay manifests on top.
func (r *Registry) load() error {
	manifests := make(map[string]*Manifest)

	entries, err := fs.ReadDir(bundled, "manifests")
	if err != nil {
		return fmt.Errorf("failed to read bundled manifests: %w", err)
	}
	for _, entry := range entries {
		data, err := bundled.ReadFile("manifests/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read bundled manifest %s: %w", entry.Name(), err)
		}
		m, err := parseManifest(data)
		if err != nil {
			return fmt.Errorf("bundled manifest %s: %w", entry.Name(), err)
		}
		manifests[m.Name] = m
	}

	if r.overlayDir != "" {
		overlays, err := os.ReadDir(r.overlayDir)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read manifest overlay dir: %w", err)
			}
		} else {
			for _, entry := range overlays {
				name := entry.Name()
				if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
					continue
				}
				data, err := os.ReadFile(filepath.Join(r.overlayDir, name))
				if err != nil {
					r.logger.Warn("skipping unreadable manifest overlay",
						slog.String("file", name), slog.Any("error", err))
					continue
				}
				m, err := parseManifest(data)
				if err != nil {
					// A broken overlay must not take down the bundled set.
					r.logger.Warn("skipping invalid manifest overlay",
						slog.String("file", name), slog.Any("error", err))
					continue
				}
				manifests[m.Name] = m
			}
		}
	}

	r.mu.Lock()
	r.manifests = manifests
	r.mu.Unlock()
	return nil
}

// parseManifest decodes and validates one manifest document.
func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for id, op := range m.Operations {
		op.ID = id
		m.Operations[id] = op
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Get retrieves a manifest by provider name.
func (r *Registry) Get(provider string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[provider]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "manifest", ID: provider}
	}
	return m, nil
}

// Names returns all loaded provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch starts watching the overlay directory for changes, reloading
// the registry on create/write/remove with a short debounce. No-op when
// no overlay directory is configured.
func (r *Registry) Watch() error {
	if r.overlayDir == "" {
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}
	if err := fsWatcher.Add(r.overlayDir); err != nil {
		fsWatcher.Close()
		return fmt.Errorf("failed to watch manifest dir: %w", err)
	}
	r.fsWatcher = fsWatcher

	r.wg.Add(1)
	go r.processEvents()
	return nil
}

// processEvents handles filesystem events with debouncing.
func (r *Registry) processEvents() {
	defer r.wg.Done()

	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.mu.Lock()
			if r.reload != nil {
				r.reload.Stop()
			}
			r.reload = time.AfterFunc(debounceDelay, func() {
				if err := r.load(); err != nil {
					r.logger.Error("manifest reload failed", slog.Any("error", err))
					return
				}
				r.logger.Info("manifests reloaded", slog.String("dir", r.overlayDir))
			})
			r.mu.Unlock()
		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("manifest watcher error", slog.Any("error", err))
		}
	}
}

// Close stops watching and releases resources.
func (r *Registry) Close() error {
	close(r.done)
	var err error
	if r.fsWatcher != nil {
		err = r.fsWatcher.Close()
	}
	r.wg.Wait()
	r.mu.Lock()
	if r.reload != nil {
		r.reload.Stop()
	}
	r.mu.Unlock()
	return err
}
