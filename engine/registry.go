package engine

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader builds a backend for one model family.
type Loader func(spec ModelSpec, names []string) (iface.Backend, error)

// Handle is a loaded model. It lives until the registry is closed.
type Handle struct {
	Name     string
	Family   string
	Path     string
	Backend  iface.Backend
	LoadedAt time.Time
}

// Registry lazily loads and caches one backend per configured model name.
// Only successful loads are cached; concurrent first requests share a single load.
type Registry struct {
	specs   map[string]ModelSpec
	order   []string
	loaders map[string]Loader

	mu    sync.RWMutex
	cache map[string]*Handle
	group singleflight.Group
}

func NewRegistry(specs []ModelSpec) *Registry {
	r := &Registry{
		specs:   make(map[string]ModelSpec, len(specs)),
		loaders: make(map[string]Loader),
		cache:   make(map[string]*Handle),
	}
	for _, s := range specs {
		if _, dup := r.specs[s.Name]; !dup {
			r.order = append(r.order, s.Name)
		}
		r.specs[s.Name] = s
	}
	return r
}

// RegisterLoader binds a model family to its loader. Call before serving.
func (r *Registry) RegisterLoader(family string, l Loader) {
	r.mu.Lock()
	r.loaders[family] = l
	r.mu.Unlock()
}

func (r *Registry) Known(name string) bool {
	_, ok := r.specs[name]
	return ok
}

func (r *Registry) Spec(name string) (ModelSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the configured model names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) cached(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.cache[name]
	return h, ok
}

// Get returns the cached handle for name, loading it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if h, ok := r.cached(name); ok {
		return h, nil
	}
	ch := r.group.DoChan(name, func() (any, error) {
		if h, ok := r.cached(name); ok {
			return h, nil
		}
		h, err := r.load(spec)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[name] = h
		r.mu.Unlock()
		return h, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) load(spec ModelSpec) (h *Handle, err error) {
	if _, statErr := os.Stat(spec.Path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrModelNotFound, spec.Name, spec.Path)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrModelLoad, spec.Path, statErr)
	}
	r.mu.RLock()
	loader, ok := r.loaders[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model type %q", ErrModelLoad, spec.Type)
	}
	names, err := spec.Names.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: read names: %v", ErrModelLoad, err)
	}

	// 防止原生库加载时 panic 导致服务崩溃
	defer func() {
		if rec := recover(); rec != nil {
			h = nil
			err = fmt.Errorf("%w: panic: %v", ErrModelLoad, rec)
		}
	}()

	logger.Log().Info("Loading model", zap.String("model", spec.Name), zap.String("type", spec.Type), zap.String("path", spec.Path))
	start := time.Now()
	backend, err := loader(spec, names)
	if err != nil {
		logger.Log().Error("Model load failed", zap.String("model", spec.Name), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, spec.Name, err)
	}
	logger.Log().Info("Model loaded", zap.String("model", spec.Name), zap.Duration("took", time.Since(start)))
	return &Handle{
		Name:     spec.Name,
		Family:   spec.Type,
		Path:     spec.Path,
		Backend:  backend,
		LoadedAt: time.Now(),
	}, nil
}

// Status reports every configured model, loaded or not.
func (r *Registry) Status() []iface.ModelStatus {
	out := make([]iface.ModelStatus, 0, len(r.order))
	for _, name := range r.order {
		spec := r.specs[name]
		_, statErr := os.Stat(spec.Path)
		_, loaded := r.cached(name)
		out = append(out, iface.ModelStatus{
			Name:   name,
			Path:   spec.Path,
			Exists: statErr == nil,
			Loaded: loaded,
			Type:   spec.Type,
		})
	}
	return out
}

// Close destroys every loaded backend. Only used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range r.cache {
		h.Backend.Destroy()
		delete(r.cache, name)
	}
}
