// Package registry owns the process-wide routing tables: the model map,
// the client key set, and the upstream account pool. One registry is
// built at bootstrap and shared by reference; Reload re-reads the data
// files without restarting in-flight requests.
package registry

import (
	"sort"
	"sync"

	"github.com/newhackerman/tenbin2api/internal/account"
	"github.com/newhackerman/tenbin2api/internal/config"
	log "github.com/newhackerman/tenbin2api/internal/logging"
)

// Registry is safe for concurrent use. The account pool carries its own
// lock; the maps here are guarded by mu and replaced wholesale on reload.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]string
	keys     map[string]struct{}
	thinking map[string]struct{}
	pool     *account.Pool
	cfg      *config.Config
}

// New builds a registry from the configured data files.
func New(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		cfg:      cfg,
		models:   map[string]string{},
		keys:     map[string]struct{}{},
		thinking: map[string]struct{}{},
		pool:     account.NewPool(nil, cfg.Pool.MaxErrors, cfg.Pool.Cooldown),
	}
	for _, m := range cfg.ThinkingModels {
		r.thinking[m] = struct{}{}
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads accounts, models and client keys from disk. Account
// health bookkeeping survives the reload; only the credential list is
// reconciled.
func (r *Registry) Reload() error {
	creds, err := config.LoadAccounts(r.cfg.AccountsFile)
	if err != nil {
		return err
	}
	models, err := config.LoadModels(r.cfg.ModelsFile)
	if err != nil {
		return err
	}
	keys, err := config.LoadClientKeys(r.cfg.ClientKeysFile)
	if err != nil {
		return err
	}

	sessionIDs := make([]string, 0, len(creds))
	for _, c := range creds {
		sessionIDs = append(sessionIDs, c.SessionID)
	}
	r.pool.SetCredentials(sessionIDs)

	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	r.mu.Lock()
	r.models = models
	r.keys = keySet
	r.mu.Unlock()

	log.Infof("registry loaded: %d accounts, %d models, %d client keys",
		len(sessionIDs), len(models), len(keys))
	return nil
}

// Pool returns the shared account pool.
func (r *Registry) Pool() *account.Pool { return r.pool }

// ResolveModel maps a public model name to its upstream id.
func (r *Registry) ResolveModel(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.models[name]
	return id, ok
}

// ModelNames returns the public model names in sorted order.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasClientKeys reports whether any client key is configured. An empty
// set is a service-unavailable condition, not an auth failure.
func (r *Registry) HasClientKeys() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) > 0
}

// ValidateClientKey checks a bearer token against the allow-set.
func (r *Registry) ValidateClientKey(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

// IsThinkingModel reports whether the model's stream interleaves
// reasoning and answer text behind the fixed separator. Exact-name
// match only.
func (r *Registry) IsThinkingModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.thinking[name]
	return ok
}
