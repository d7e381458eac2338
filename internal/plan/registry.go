package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/watcher"
)

// Registry resolves plan templates by id or classification. User templates
// shadow built-ins with the same id, and within one classification a user
// template wins over a built-in.
type Registry struct {
	userDir string

	mu      sync.RWMutex
	builtin []Template
	user    []Template

	w *watcher.Watcher
}

// NewRegistry loads built-ins and, when userDir is non-empty, the user
// templates under it.
func NewRegistry(userDir string) (*Registry, error) {
	builtin, err := LoadBuiltinTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading built-in plans: %w", err)
	}

	r := &Registry{userDir: userDir, builtin: builtin}
	if userDir != "" {
		user, err := LoadUserTemplatesFromDir(userDir)
		if err != nil {
			return nil, err
		}
		r.user = user
	}

	log.Info(log.CatPlan, "plan registry loaded",
		"builtin", len(builtin),
		"user", len(r.user))
	return r, nil
}

// Reload re-reads the user directory. Built-ins never change at runtime.
func (r *Registry) Reload() error {
	if r.userDir == "" {
		return nil
	}
	user, err := LoadUserTemplatesFromDir(r.userDir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.user = user
	r.mu.Unlock()

	log.Info(log.CatPlan, "plan registry reloaded", "user", len(user))
	return nil
}

// Watch hot-reloads user templates until ctx is done. No-op without a user
// directory.
func (r *Registry) Watch(ctx context.Context) error {
	if r.userDir == "" {
		return nil
	}
	if _, err := EnsureUserTemplateDir(r.userDir); err != nil {
		return err
	}

	w, err := watcher.New(watcher.DefaultConfig(r.userDir))
	if err != nil {
		return err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}
	r.w = w

	log.SafeGo("plan.watch", func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-onChange:
				if !ok {
					return
				}
				if err := r.Reload(); err != nil {
					log.ErrorErr(log.CatPlan, "plan reload failed", err)
				}
			}
		}
	})
	return nil
}

// Get returns the template with the given id. User templates shadow
// built-ins.
func (r *Registry) Get(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tpl := range r.user {
		if tpl.ID == id {
			return tpl, true
		}
	}
	for _, tpl := range r.builtin {
		if tpl.ID == id {
			return tpl, true
		}
	}
	return Template{}, false
}

// ForClassification returns the preferred template for a classification:
// the first user template claiming it, else the first built-in.
func (r *Registry) ForClassification(c Classification) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tpl := range r.user {
		if tpl.Classification == c {
			return tpl, true
		}
	}
	for _, tpl := range r.builtin {
		if tpl.Classification == c {
			return tpl, true
		}
	}
	return Template{}, false
}

// List returns every visible template sorted by id, user shadows applied.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.user)+len(r.builtin))
	out := make([]Template, 0, len(r.user)+len(r.builtin))
	for _, tpl := range r.user {
		if !seen[tpl.ID] {
			seen[tpl.ID] = true
			out = append(out, tpl)
		}
	}
	for _, tpl := range r.builtin {
		if !seen[tpl.ID] {
			seen[tpl.ID] = true
			out = append(out, tpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
