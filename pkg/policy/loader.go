package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	regoExt      = ".rego"
	policyExt    = ".json"
	bundleSuffix = ".bundle.json"

	reloadDelay = 500 * time.Millisecond
)

// Loader reads user policies from rego files, JSON policy files and JSON
// bundles (*.bundle.json). Parsed files are cached until they change on disk.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedFile

	watcher *fsnotify.Watcher
}

type cachedFile struct {
	modTime  time.Time
	policies []Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// LoadFromPaths loads every policy file under paths. Directories are walked
// recursively; a broken file inside a directory is skipped with a warning,
// a broken file named explicitly is an error. Policy names must be unique.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	origin := make(map[string]string)

	for _, path := range paths {
		files, err := policyFiles(path)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			policies, err := l.loadFile(ctx, file)
			if err != nil {
				if file == path {
					return nil, err
				}
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}
			for _, p := range policies {
				if prev, dup := origin[p.Name]; dup {
					return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, file)
				}
				origin[p.Name] = file
				all = append(all, p)
			}
		}
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

// policyFiles lists the policy files at path in a stable order.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, regoExt) || strings.HasSuffix(path, policyExt)
}

// loadFile parses one file, reusing the cached result while its
// modification time is unchanged.
func (l *Loader) loadFile(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(path, regoExt):
		var p *Policy
		if p, err = parseRego(path, data); err == nil {
			policies = []Policy{*p}
		}
	case strings.HasSuffix(path, bundleSuffix):
		var b *PolicyBundle
		if b, err = parseBundle(path, data); err == nil {
			policies = b.Policies
		}
	case strings.HasSuffix(path, policyExt):
		var p *Policy
		if p, err = parsePolicyJSON(data); err == nil {
			policies = []Policy{*p}
		}
	default:
		err = fmt.Errorf("unsupported policy file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Policy file parsed")
	return policies, nil
}

// parseRego turns a rego file into a policy named after the file. Leading
// comment lines form the description; "# severity: <level>" sets the severity.
func parseRego(path string, data []byte) (*Policy, error) {
	content := string(data)
	if !hasPackageClause(content) {
		return nil, fmt.Errorf("no package declaration")
	}

	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), regoExt),
		Description: extractDescription(content),
		Rego:        content,
		Severity:    extractSeverity(content),
		Enabled:     true,
		Tags:        []string{"user"},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func hasPackageClause(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "package ") {
			return true
		}
	}
	return false
}

func parsePolicyJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy JSON: %w", err)
	}
	if p.Name == "" || p.Rego == "" {
		return nil, fmt.Errorf("policy needs a name and rego")
	}
	setPolicyDefaults(&p, gjson.GetBytes(data, "enabled"))
	return &p, nil
}

func parseBundle(path string, data []byte) (*PolicyBundle, error) {
	var b PolicyBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("invalid bundle JSON: %w", err)
	}
	for i := range b.Policies {
		p := &b.Policies[i]
		if p.Name == "" || p.Rego == "" {
			return nil, fmt.Errorf("bundle %s: policy %d needs a name and rego", b.Name, i)
		}
		setPolicyDefaults(p, gjson.GetBytes(data, fmt.Sprintf("policies.%d.enabled", i)))
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["source"] = path
		p.Metadata["bundle"] = b.Name
		p.Metadata["bundle_version"] = b.Version
	}
	return &b, nil
}

// setPolicyDefaults fills what a JSON policy may omit. A policy is enabled
// unless it says otherwise.
func setPolicyDefaults(p *Policy, enabled gjson.Result) {
	if !enabled.Exists() {
		p.Enabled = true
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

func extractSeverity(content string) Severity {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, val, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(trimmed, "#")), ":")
		if !ok || strings.TrimSpace(key) != "severity" {
			continue
		}
		switch sev := Severity(strings.ToLower(strings.TrimSpace(val))); sev {
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
			return sev
		}
	}
	return SeverityWarning
}

// extractDescription joins the comment lines before the first statement.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" || strings.HasPrefix(comment, "severity:") {
			continue
		}
		parts = append(parts, comment)
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, renamed or removed, and passes the new set to reloadFn. Events
// are debounced. Watching stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if l.watcher != nil {
		return fmt.Errorf("loader is already watching")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatchDirs(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}
	l.watcher = watcher

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

// addWatchDirs watches path's directories. Files are watched through their
// directory so that editors replacing a file do not drop the watch.
func addWatchDirs(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
