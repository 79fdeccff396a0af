package delegation

import (
	"context"
	"sync"

	"onbehalf/internal/api"
	"onbehalf/pkg/logging"
)

// sessionPurger is implemented by modules that hold per-session cache
// entries.
type sessionPurger interface {
	PurgeSession(sessionID string)
}

// closer is implemented by modules holding external sessions (KDC
// logins, file watchers).
type closer interface {
	Close()
}

// Registry holds the deployment's delegation modules by name and fans
// invocations out to them. It is populated at startup and read-only
// afterwards, but registration is still guarded for tests that build
// registries concurrently.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]api.DelegationModule
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]api.DelegationModule)}
}

// Register adds a module. Module names are unique per deployment; a
// second registration under the same name is a configuration defect.
func (r *Registry) Register(module api.DelegationModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := module.Name()
	if _, exists := r.modules[name]; exists {
		return api.NewDuplicateError("module", name)
	}
	r.modules[name] = module
	r.order = append(r.order, name)
	logging.Info("Registry", "Registered %s module %q (operations: %v)", module.Kind(), name, module.Operations())
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (api.DelegationModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	module, ok := r.modules[name]
	if !ok {
		return nil, api.NewNotFoundError("module", name)
	}
	return module, nil
}

// List returns the modules in registration order.
func (r *Registry) List() []api.DelegationModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]api.DelegationModule, 0, len(r.order))
	for _, name := range r.order {
		modules = append(modules, r.modules[name])
	}
	return modules
}

// Invoke routes one operation to the named module. Module failures are
// forwarded unmodified so their code and class survive to the
// transport layer.
func (r *Registry) Invoke(ctx context.Context, moduleName string, subject *api.SubjectContext, operation string, args map[string]interface{}) (*api.Result, error) {
	module, err := r.Get(moduleName)
	if err != nil {
		return nil, err
	}
	return module.Invoke(ctx, subject, operation, args)
}

// HealthCheck polls every module.
func (r *Registry) HealthCheck(ctx context.Context) map[string]api.HealthStatus {
	statuses := make(map[string]api.HealthStatus, len(r.List()))
	for _, module := range r.List() {
		statuses[module.Name()] = module.CheckHealth(ctx)
	}
	return statuses
}

// PurgeSession drops the session's cached credentials from every
// module. Called when a transport session ends or times out.
func (r *Registry) PurgeSession(sessionID string) {
	for _, module := range r.List() {
		if purger, ok := module.(sessionPurger); ok {
			purger.PurgeSession(sessionID)
		}
	}
}

// Close releases module resources in reverse registration order.
func (r *Registry) Close() {
	modules := r.List()
	for i := len(modules) - 1; i >= 0; i-- {
		if c, ok := modules[i].(closer); ok {
			c.Close()
		}
	}
}
