package delegation

import (
	"onbehalf/internal/api"
	"onbehalf/internal/audit"
	"onbehalf/internal/config"
	"onbehalf/internal/kerberos"
	"onbehalf/internal/sqldelegation"
	"onbehalf/internal/tokenexchange"
	"onbehalf/pkg/logging"
)

// BuildOptions configures registry construction.
type BuildOptions struct {
	// AuditSink receives every module's audit events. Nil means events
	// go to the structured log.
	AuditSink audit.Sink
}

// BuildRegistry constructs and registers every enabled module from the
// configuration. Construction is fail-fast: one misconfigured module
// aborts startup rather than silently serving a partial deployment.
func BuildRegistry(cfg config.Config, opts BuildOptions) (*Registry, error) {
	registry := NewRegistry()
	for i := range cfg.Modules {
		moduleCfg := cfg.Modules[i]
		if !moduleCfg.Enabled {
			logging.Info("Registry", "Module %q is disabled, skipping", moduleCfg.Name)
			continue
		}

		module, err := buildModule(moduleCfg, cfg.Mode, opts)
		if err != nil {
			registry.Close()
			return nil, err
		}
		if err := registry.Register(module); err != nil {
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

func buildModule(moduleCfg config.ModuleConfig, mode config.DeploymentMode, opts BuildOptions) (api.DelegationModule, error) {
	switch api.ModuleKind(moduleCfg.Kind) {
	case api.ModuleKindTokenExchange:
		var engineOpts []tokenexchange.Option
		if opts.AuditSink != nil {
			engineOpts = append(engineOpts, tokenexchange.WithAuditSink(opts.AuditSink))
		}
		engine, err := tokenexchange.NewEngine(moduleCfg.Name, *moduleCfg.TokenExchange, moduleCfg.Cache, mode, engineOpts...)
		if err != nil {
			return nil, err
		}
		return tokenexchange.NewModule(engine), nil

	case api.ModuleKindKerberos:
		var engineOpts []kerberos.Option
		if opts.AuditSink != nil {
			engineOpts = append(engineOpts, kerberos.WithAuditSink(opts.AuditSink))
		}
		engine, err := kerberos.NewEngine(moduleCfg.Name, *moduleCfg.Kerberos, moduleCfg.Cache, engineOpts...)
		if err != nil {
			return nil, err
		}
		return kerberos.NewModule(engine), nil

	case api.ModuleKindSQL:
		var engineOpts []sqldelegation.Option
		if opts.AuditSink != nil {
			engineOpts = append(engineOpts, sqldelegation.WithAuditSink(opts.AuditSink))
		}
		engine, err := sqldelegation.NewEngine(moduleCfg.Name, *moduleCfg.SQL, moduleCfg.Cache, mode, engineOpts...)
		if err != nil {
			return nil, err
		}
		return sqldelegation.NewModule(engine), nil

	default:
		return nil, api.NewDelegationError(moduleCfg.Name, api.ErrConfiguration,
			"unknown module kind %q", moduleCfg.Kind)
	}
}
