// Package module defines shard modules: named groups of methods whose calls
// run on the node owning the caller's shard key.
//
// The dispatch table is built once at registration time. A method is either
// shard-routed, with a ShardKeyFunc picking the key from its arguments, or
// local, always running in-process on the calling node.
package module

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/ring"
)

// Handler executes one method body with raw arguments
type Handler func(ctx context.Context, args [][]byte) ([]byte, error)

// ShardKeyFunc derives the shard key of a call from its arguments
type ShardKeyFunc func(args [][]byte) (string, error)

// Migrator moves a module's per-vnode state between nodes during rebalance.
// Hand-off is best effort: state written to the source after Export is lost.
type Migrator interface {
	// Export serializes the state of vnode on the source node
	Export(ctx context.Context, vnode model.VNode) ([]byte, error)
	// Import installs exported state on the destination node
	Import(ctx context.Context, vnode model.VNode, state []byte) error
	// Drop discards the state of a vnode the node no longer owns
	Drop(ctx context.Context, vnode model.VNode)
}

// FirstArgKey uses the first argument as the shard key
func FirstArgKey(args [][]byte) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("shard key: call has no arguments")
	}
	return string(args[0]), nil
}

// Method is one entry of a module's dispatch table
type Method struct {
	Name     string
	Handler  Handler
	ShardKey ShardKeyFunc
	Local    bool
}

// MethodOption customizes a shard-routed method
type MethodOption func(*Method)

// WithShardKey overrides the default first-argument shard key
func WithShardKey(fn ShardKeyFunc) MethodOption {
	return func(m *Method) {
		m.ShardKey = fn
	}
}

// Option customizes a module
type Option func(*Module)

// WithMigrator attaches state hand-off to the module
func WithMigrator(migrator Migrator) Option {
	return func(m *Module) {
		m.migrator = migrator
	}
}

// SingleInstance maps every key of the module to vnode 0, so the whole module
// lives on one node chosen by the leader
func SingleInstance() Option {
	return func(m *Module) {
		m.singleInstance = true
	}
}

// Module is a named dispatch table
type Module struct {
	name           string
	migrator       Migrator
	singleInstance bool

	mu      sync.RWMutex
	methods map[string]*Method
}

// New creates an empty module
func New(name string, opts ...Option) *Module {
	m := &Module{
		name:    name,
		methods: make(map[string]*Method),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the module name
func (m *Module) Name() string {
	return m.name
}

// Migrator returns the module's migrator, or nil when its state is not moved
func (m *Module) Migrator() Migrator {
	return m.migrator
}

// IsSingleInstance reports whether the module lives on a single node
func (m *Module) IsSingleInstance() bool {
	return m.singleInstance
}

// Handle registers a shard-routed method
func (m *Module) Handle(name string, handler Handler, opts ...MethodOption) error {
	method := &Method{
		Name:     name,
		Handler:  handler,
		ShardKey: FirstArgKey,
	}
	for _, opt := range opts {
		opt(method)
	}
	return m.add(method)
}

// HandleLocal registers a method that always runs on the calling node
func (m *Module) HandleLocal(name string, handler Handler) error {
	return m.add(&Method{
		Name:    name,
		Handler: handler,
		Local:   true,
	})
}

func (m *Module) add(method *Method) error {
	if method.Name == "" || strings.Contains(method.Name, ".") {
		return fmt.Errorf("module %s: invalid method name %q", m.name, method.Name)
	}
	if method.Handler == nil {
		return fmt.Errorf("module %s: method %s has no handler", m.name, method.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.methods[method.Name]; exists {
		return fmt.Errorf("module %s: method %s already registered", m.name, method.Name)
	}
	m.methods[method.Name] = method
	return nil
}

// Method looks up a method by name
func (m *Module) Method(name string) (*Method, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	method, ok := m.methods[name]
	return method, ok
}

// VNodeFor returns the shard key and vnode a call of method with args is
// routed to. Single-instance modules use the module name as key and vnode 0.
func (m *Module) VNodeFor(method *Method, args [][]byte, vnodeCount int) (string, model.VNode, error) {
	if m.singleInstance {
		return m.name, 0, nil
	}
	key, err := method.ShardKey(args)
	if err != nil {
		return "", 0, err
	}
	return key, ring.VNodeForKey(key, vnodeCount), nil
}

// Registry holds the modules of one node by name
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty module registry
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*Module),
	}
}

// Register adds a module; names must be unique
func (r *Registry) Register(m *Module) error {
	if m.name == "" {
		return fmt.Errorf("module name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.name]; exists {
		return fmt.Errorf("module %s already registered", m.name)
	}
	r.modules[m.name] = m
	return nil
}

// Lookup resolves module and method names, failing with UnknownMethod
func (r *Registry) Lookup(moduleName, methodName string) (*Module, *Method, error) {
	r.mu.RLock()
	m, ok := r.modules[moduleName]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, routeerr.UnknownMethod(moduleName, methodName)
	}
	method, ok := m.Method(methodName)
	if !ok {
		return nil, nil, routeerr.UnknownMethod(moduleName, methodName)
	}
	return m, method, nil
}

// Modules returns every registered module ordered by name
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool {
		return modules[i].name < modules[j].name
	})
	return modules
}
