// Package prompts implements the Prompt Assembler (C3): a base identity
// fragment plus the one site-specific or default fragment selected by the
// current URL's host, concatenated with a time-context line and an
// optional per-request override. Fragments are markdown files loaded once
// at startup from a directory and cached; fsnotify watches that directory
// so an edited fragment invalidates only its own cache entry, without a
// process restart.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds every loaded prompt fragment, keyed by file stem (host
// suffix, "base_identity", or "default"), and optionally watches the
// source directory for changes.
type Store struct {
	mu        sync.RWMutex
	fragments map[string]string
	dir       string
	watcher   *fsnotify.Watcher
}

// Load reads every *.md file in dir into the Store. Missing dir is not an
// error -- the Assembler falls back to empty fragments, which is enough
// to keep the service usable in a minimal deployment.
func Load(dir string) (*Store, error) {
	s := &Store{fragments: make(map[string]string), dir: dir}
	if dir == "" {
		return s, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return s, nil
	}
	if err := s.reloadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Store) reloadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("prompts: read %s: %w", s.dir, err)
	}
	fragments := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("prompts: read %s: %w", e.Name(), err)
		}
		fragments[stemOf(e.Name())] = string(data)
	}
	s.mu.Lock()
	s.fragments = fragments
	s.mu.Unlock()
	return nil
}

func (s *Store) reloadOne(path string) {
	stem := stemOf(path)
	data, err := os.ReadFile(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// File removed or transiently unreadable: drop the stale entry
		// rather than serve content that no longer exists on disk.
		delete(s.fragments, stem)
		return
	}
	s.fragments[stem] = string(data)
}

// Watch starts an fsnotify watch on the Store's directory; each changed or
// added fragment file invalidates only that fragment's cache entry. Watch
// returns once the watch is in place; events are handled on a background
// goroutine until Close stops the watcher.
func (s *Store) Watch() error {
	if s.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompts: new watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("prompts: watch %s: %w", s.dir, err)
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.reloadOne(ev.Name)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *Store) get(stem string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fragments[stem]
}

// hostSuffixes registers which fragment stems match which host suffixes,
// e.g. "finance.yahoo.com" matches both "finance.yahoo.com" and
// "ca.finance.yahoo.com". Stems are file names (minus .md) other than
// base_identity and default.
func (s *Store) hostSuffixes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.fragments))
	for stem := range s.fragments {
		if stem == "base_identity" || stem == "default" {
			continue
		}
		out = append(out, stem)
	}
	return out
}

// siteFragmentFor returns the fragment registered for the longest host
// suffix that matches host, or the default fragment if none match.
func (s *Store) siteFragmentFor(host string) string {
	host = strings.ToLower(host)
	var best string
	bestLen := -1
	for _, suffix := range s.hostSuffixes() {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			if len(suffix) > bestLen {
				best = suffix
				bestLen = len(suffix)
			}
		}
	}
	if bestLen < 0 {
		return s.get("default")
	}
	return s.get(best)
}

// Assembler builds the per-request system prompt.
type Assembler struct {
	store *Store
}

// NewAssembler builds an Assembler over store.
func NewAssembler(store *Store) *Assembler { return &Assembler{store: store} }

// Params carries everything Assemble needs to build one system prompt.
type Params struct {
	CurrentURL string
	Host       string
	UserTZ     string
	UserClock  time.Time
	Override   string
}

// Assemble builds base_identity_prompt + site_specific_prompt_for(host) +
// time_context + override, in that order, joined with blank lines. An
// empty fragment contributes nothing to the output rather than an empty
// line.
func (a *Assembler) Assemble(p Params) string {
	parts := []string{a.store.get("base_identity")}
	if site := a.store.siteFragmentFor(p.Host); site != "" {
		parts = append(parts, site)
	}
	parts = append(parts, timeContext(p))
	if p.Override != "" {
		parts = append(parts, p.Override)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return strings.Join(out, "\n\n")
}

func timeContext(p Params) string {
	base := TimeContext(p.UserTZ, p.UserClock)
	if p.CurrentURL != "" {
		return fmt.Sprintf("%s The user is currently viewing: %s.", base, p.CurrentURL)
	}
	return base
}

// TimeContext renders the user's wall clock and timezone as one sentence,
// shared by the system prompt and the research operators' prompts.
func TimeContext(tz string, clock time.Time) string {
	if clock.IsZero() {
		clock = time.Now().UTC()
	}
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("Current time: %s (timezone %s).", clock.Format(time.RFC3339), tz)
}
