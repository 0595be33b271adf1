package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 500 * time.Millisecond

// Loader reads clone admission policies from disk. A .rego file is one
// policy named after the file, described by its leading comment block. A
// .json file holds a serialized Policy.
//
// Parsed files are kept until Invalidate or a watched change drops them.
type Loader struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	parsed map[string]*Policy // by file path
}

// NewLoader creates a loader with an empty parse cache.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "clone-policy-loader").Logger(),
		parsed: make(map[string]*Policy),
	}
}

// Load reads the policies under paths. Each path is a policy file or a
// directory walked recursively. A missing path fails the load; a bad file
// inside a directory is skipped with a warning.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load clone policies from %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Clone policies read")
	return out, nil
}

func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		p, err := l.loadFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("file", file).Msg("Skipping unreadable clone policy")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	l.mu.RLock()
	p, ok := l.parsed[path]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	p, err = decodePolicy(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path
	p.LoadedAt = time.Now()

	l.mu.Lock()
	l.parsed[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("file", path).Str("policy", p.Name).Msg("Clone policy parsed")
	return p, nil
}

func decodePolicy(path string, data []byte) (*Policy, error) {
	base := filepath.Base(path)
	switch filepath.Ext(path) {
	case ".rego":
		return &Policy{
			Name:        strings.TrimSuffix(base, ".rego"),
			Description: regoDescription(string(data)),
			Rego:        string(data),
			Enabled:     true,
		}, nil
	case ".json":
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(base, ".json")
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// regoDescription joins the comment lines that open a Rego module.
func regoDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Invalidate forgets the parsed files so the next Load rereads them. With no
// paths it forgets every file.
func (l *Loader) Invalidate(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(paths) == 0 {
		l.parsed = make(map[string]*Policy)
		return
	}
	for _, path := range paths {
		delete(l.parsed, path)
	}
}

// Watch hands apply the full policy set under paths each time a policy file
// is written, created or removed, until ctx is done. Paths that cannot be
// watched are logged and skipped.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Not watching clone policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching clone policies")
	return nil
}

// addWatch watches a file, or a directory and every directory below it.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(dir)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Clone policy file changed")
			l.Invalidate(event.Name)

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				if err := l.reload(ctx, paths, apply); err != nil {
					l.logger.Error().Err(err).Msg("Clone policy reload failed, keeping the active set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Clone policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.Load(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded clone policies: %w", err)
	}

	l.logger.Info().Int("policies", len(policies)).Msg("Clone policies reloaded")
	return nil
}
