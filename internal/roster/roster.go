// Package roster loads the actor roster from a YAML file into the case store
// and optionally reloads it when the file changes.
package roster

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

// Reload statuses reported to the observer.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusUnchanged = "unchanged"
)

// debounce coalesces the burst of events editors emit for one save.
const debounce = 100 * time.Millisecond

// Sink receives a freshly parsed roster.
type Sink interface {
	ReplaceActors(ctx context.Context, actors []model.Actor) error
}

// Observer records reload outcomes.
type Observer interface {
	ObserveReload(status string, actors int)
}

type fileActor struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Role   model.Role `yaml:"role"`
	Active *bool      `yaml:"active"`
}

type file struct {
	Actors []fileActor `yaml:"actors"`
}

// Parse decodes a roster document. Actors are active unless they say
// otherwise; ids must be unique and roles known.
func Parse(data []byte) ([]model.Actor, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roster: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Actors))
	actors := make([]model.Actor, 0, len(f.Actors))
	for i, a := range f.Actors {
		if a.ID == "" {
			return nil, fmt.Errorf("actor %d: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("actor %q: duplicate id", a.ID)
		}
		seen[a.ID] = struct{}{}
		if !a.Role.Valid() {
			return nil, fmt.Errorf("actor %q: unknown role %q", a.ID, a.Role)
		}
		active := true
		if a.Active != nil {
			active = *a.Active
		}
		actors = append(actors, model.Actor{ID: a.ID, Name: a.Name, Role: a.Role, Active: active})
	}
	return actors, nil
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithObserver sets the reload observer.
func WithObserver(o Observer) Option {
	return func(ld *Loader) { ld.observer = o }
}

// Loader reads the roster file and pushes it into a Sink. A failed reload
// leaves the previously loaded roster in place.
type Loader struct {
	path     string
	sink     Sink
	logger   *zap.Logger
	observer Observer

	mu       sync.Mutex
	checksum string
	loaded   atomic.Bool
}

// NewLoader creates a loader for the roster at path.
func NewLoader(path string, sink Sink, opts ...Option) *Loader {
	l := &Loader{path: path, sink: sink, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Loaded reports whether a roster has been applied at least once.
func (l *Loader) Loaded() bool {
	return l.loaded.Load()
}

// Load reads and applies the roster. An unchanged file is skipped.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.observe(StatusFailure, 0)
		return fmt.Errorf("reading roster %s: %w", l.path, err)
	}

	sum := fmt.Sprintf("%x", sha256.Sum256(data))
	if sum == l.checksum {
		l.observe(StatusUnchanged, 0)
		return nil
	}

	actors, err := Parse(data)
	if err != nil {
		l.observe(StatusFailure, 0)
		return fmt.Errorf("%s: %w", l.path, err)
	}
	if err := l.sink.ReplaceActors(ctx, actors); err != nil {
		l.observe(StatusFailure, 0)
		return fmt.Errorf("applying roster: %w", err)
	}

	l.checksum = sum
	l.loaded.Store(true)
	l.observe(StatusSuccess, len(actors))
	l.logger.Info("roster loaded",
		zap.String("path", l.path),
		zap.Int("actors", len(actors)),
		zap.String("checksum", sum[:12]),
	)
	return nil
}

func (l *Loader) observe(status string, actors int) {
	if l.observer != nil {
		l.observer.ObserveReload(status, actors)
	}
}

// Watch reloads the roster whenever its file is written, created or renamed
// into place. It blocks until ctx is done. The parent directory is watched so
// that atomic replace-by-rename is seen.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating roster watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(l.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("roster watcher error", zap.Error(err))

		case <-timer.C:
			if err := l.Load(ctx); err != nil {
				l.logger.Error("roster reload failed, keeping previous roster", zap.Error(err))
			}
		}
	}
}
