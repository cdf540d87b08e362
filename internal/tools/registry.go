package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/meowth/internal/observability"
)

// Snapshot is an immutable, fully built set of tools. Request cycles capture
// one Snapshot and use it throughout.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	tools    map[string]*Tool
	names    []string
}

// Version increases with every successful load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Lookup returns the named tool. Unknown and disabled tools yield a
// *NotFoundError listing the available names.
func (s *Snapshot) Lookup(name string) (*Tool, error) {
	if s != nil {
		if tool, ok := s.tools[name]; ok && tool.enabled {
			return tool, nil
		}
	}
	return nil, &NotFoundError{Tool: name, Available: s.AvailableNames()}
}

// Available returns the enabled tools sorted by name.
func (s *Snapshot) Available() []*Tool {
	if s == nil {
		return nil
	}
	out := make([]*Tool, 0, len(s.names))
	for _, name := range s.names {
		if tool := s.tools[name]; tool.enabled {
			out = append(out, tool)
		}
	}
	return out
}

// AvailableNames returns the names of the enabled tools, sorted.
func (s *Snapshot) AvailableNames() []string {
	tools := s.Available()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name()
	}
	return names
}

// All returns every configured tool, enabled or not, sorted by name.
func (s *Snapshot) All() []*Tool {
	if s == nil {
		return nil
	}
	out := make([]*Tool, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tools[name])
	}
	return out
}

// Registry holds the current Snapshot and rebuilds it on reload.
type Registry struct {
	current   atomic.Pointer[Snapshot]
	version   atomic.Uint64
	reloadMu  sync.Mutex
	factories Factories
	deps      Dependencies
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *observability.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the registry metrics sink.
func WithMetrics(metrics *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = metrics }
}

// NewRegistry creates an empty registry. Call Load before use.
func NewRegistry(factories Factories, deps Dependencies, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: factories,
		deps:      deps,
		logger:    observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.deps.Logger == nil {
		r.deps.Logger = r.logger
	}
	r.current.Store(&Snapshot{tools: map[string]*Tool{}})
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Load builds a snapshot from cfg and installs it.
func (r *Registry) Load(cfg Config) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	snap, err := Build(cfg, r.factories, r.deps, r.version.Load()+1, r.metrics)
	if err != nil {
		return err
	}
	r.version.Store(snap.version)
	r.current.Store(snap)
	r.logger.Info(context.Background(), "tool registry loaded",
		"version", snap.version, "tools", len(snap.Available()))
	return nil
}

// Reload is Load for a running bot: on failure the previous snapshot stays
// active and the failure is logged and counted.
func (r *Registry) Reload(cfg Config) error {
	if err := r.Load(cfg); err != nil {
		r.logger.Error(context.Background(), "tool registry reload failed, keeping previous tools",
			"error", err, "version", r.Snapshot().Version())
		r.metrics.RecordReload("error")
		return err
	}
	r.metrics.RecordReload("success")
	return nil
}

// Build resolves cfg against factories into a Snapshot without installing it.
func Build(cfg Config, factories Factories, deps Dependencies, version uint64, metrics *observability.Metrics) (*Snapshot, error) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}

	snap := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		tools:    make(map[string]*Tool),
	}
	origin := make(map[string]string)

	for _, category := range sortedKeys(cfg.Categories) {
		cat := cfg.Categories[category]
		if err := validateConfigKey("category", category); err != nil {
			return nil, &ConfigurationError{Reason: err.Error()}
		}
		catEnabled := enabled(cat.Enabled)
		if catEnabled && len(cat.RequiredScopes) > 0 {
			if len(deps.GrantedScopes) == 0 {
				return nil, &ConfigurationError{
					Tool:   category,
					Reason: fmt.Sprintf("category requires scopes %v but the granted scopes are unknown", cat.RequiredScopes),
				}
			}
			if missing := missingScopes(cat.RequiredScopes, deps.GrantedScopes); len(missing) > 0 {
				return nil, &ConfigurationError{
					Tool:   category,
					Reason: fmt.Sprintf("category requires scopes %v that were not granted", missing),
				}
			}
		}

		for _, short := range sortedKeys(cat.Tools) {
			tc := cat.Tools[short]
			if err := validateConfigKey("tool", short); err != nil {
				return nil, &ConfigurationError{Tool: category, Reason: err.Error()}
			}
			ref := FactoryKey(category, short)
			name := QualifiedName(category, short)
			if prev, dup := origin[name]; dup {
				return nil, &ConfigurationError{
					Tool:   name,
					Reason: fmt.Sprintf("name collision between %s and %s", prev, ref),
				}
			}
			origin[name] = ref

			tool, err := buildTool(name, category, short, cat, tc, defaultTimeout, factories, deps)
			if err != nil {
				return nil, err
			}
			tool.enabled = catEnabled && enabled(tc.Enabled)
			tool.logger = logger
			tool.metrics = metrics
			snap.tools[name] = tool
			snap.names = append(snap.names, name)
		}
	}
	sort.Strings(snap.names)
	return snap, nil
}

func buildTool(name, category, short string, cat CategoryConfig, tc ToolConfig, defaultTimeout time.Duration, factories Factories, deps Dependencies) (*Tool, error) {
	key := tc.Factory
	if key == "" {
		key = FactoryKey(category, short)
	}
	factory, ok := factories[key]
	if !ok {
		return nil, &ConfigurationError{Tool: name, Reason: fmt.Sprintf("unknown factory %q", key)}
	}

	spec := Spec{
		Name:         name,
		Category:     category,
		Description:  factory.Description,
		Parameters:   factory.Parameters.merge(tc.Parameters),
		Timeout:      firstDuration(tc.Timeout, cat.Timeout, defaultTimeout),
		Idempotent:   factory.Idempotent,
		RateLimitKey: cat.RateLimitKey,
		Settings:     tc.Settings,
	}
	if tc.Description != "" {
		spec.Description = tc.Description
	}
	if tc.Idempotent != nil {
		spec.Idempotent = *tc.Idempotent
	}
	if spec.Description == "" {
		return nil, &ConfigurationError{Tool: name, Reason: "description is required"}
	}

	var raw json.RawMessage
	var err error
	if tc.Schema != "" {
		raw = json.RawMessage(tc.Schema)
		if !json.Valid(raw) {
			return nil, &ConfigurationError{Tool: name, Reason: "malformed schema: not valid JSON"}
		}
	} else if raw, err = buildSchema(spec.Parameters); err != nil {
		return nil, &ConfigurationError{Tool: name, Reason: "malformed schema", Err: err}
	}
	compiled, err := compileSchema(name, raw)
	if err != nil {
		return nil, &ConfigurationError{Tool: name, Reason: "malformed schema", Err: err}
	}

	tool := &Tool{spec: spec, schema: compiled}
	if !enabled(cat.Enabled) || !enabled(tc.Enabled) {
		return tool, nil
	}

	for _, dep := range factory.Requires {
		if !deps.has(dep) {
			return nil, &ConfigurationError{Tool: name, Reason: fmt.Sprintf("missing dependency %q", dep)}
		}
	}
	handler, err := factory.New(spec, deps)
	if err != nil {
		return nil, &ConfigurationError{Tool: name, Reason: "factory failed", Err: err}
	}
	if handler == nil {
		return nil, &ConfigurationError{Tool: name, Reason: "factory returned no handler"}
	}
	tool.handler = handler
	return tool, nil
}

func missingScopes(required, granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}
	var missing []string
	for _, s := range required {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
