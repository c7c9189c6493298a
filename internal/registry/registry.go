// Package registry implements the cluster-wide service registry (C1): a
// name to implementation map with lifecycle-aware default-registration
// proxies, used by every other component as its indirection layer for
// pluggable collaborators.
//
// Grounded on original_source/driver/api/.../registry/ServiceRegistryHolder
// and AutoService.java for the discovery-file format, and on the teacher's
// dependency-injection-by-interface style (pkg/manager.Manager taking a
// storage.Store interface) for the general "bind by interface, swap the
// implementation" shape. Go has no runtime dynamic proxy, so
// DefaultRegistration follows Design Notes option (c): callers go through
// the handle on every call instead of caching the instance.
package registry

import (
	"fmt"
	"sync"

	"github.com/cuemby/fleetwright/internal/clustererr"
)

// Kind is the mode a Registration was created with.
type Kind int

const (
	// Singleton registrations share one instance; the default-registration
	// proxy can safely forward to it.
	Singleton Kind = iota
	// Constructor registrations build a fresh instance per Instance() call;
	// the default-registration proxy cannot forward to these without
	// creating hidden per-call state, so it refuses to proxy across them.
	Constructor
)

// Registration is one named binding for a service type.
type Registration[S any] struct {
	Name    string
	Kind    Kind
	Owner   string
	single  S
	factory func() S
}

// Instance returns the bound value: the shared singleton, or a freshly
// constructed value for constructor-style registrations.
func (r *Registration[S]) Instance() S {
	if r.Kind == Constructor {
		return r.factory()
	}
	return r.single
}

// Binding holds every registration for one service type S, keyed by name,
// plus which one is current default.
type Binding[S any] struct {
	mu            sync.RWMutex
	byName        map[string]*Registration[S]
	order         []string
	defaultName   string
}

// NewBinding creates an empty binding for service type S.
func NewBinding[S any]() *Binding[S] {
	return &Binding[S]{byName: make(map[string]*Registration[S])}
}

// Register adds a singleton-style registration. The first registration for
// a binding becomes the default.
func (b *Binding[S]) Register(name, owner string, instance S) *Registration[S] {
	return b.add(&Registration[S]{Name: name, Kind: Singleton, Owner: owner, single: instance})
}

// RegisterConstructor adds a constructor-style registration: factory is
// called fresh on every Instance().
func (b *Binding[S]) RegisterConstructor(name, owner string, factory func() S) *Registration[S] {
	return b.add(&Registration[S]{Name: name, Kind: Constructor, Owner: owner, factory: factory})
}

func (b *Binding[S]) add(reg *Registration[S]) *Registration[S] {
	b.mu.Lock()
	if existing, ok := b.byName[reg.Name]; ok {
		// idempotent: re-registering the same name replaces in place,
		// preserving default-ness and order position.
		*existing = *reg
		b.mu.Unlock()
		return existing
	}
	b.byName[reg.Name] = reg
	b.order = append(b.order, reg.Name)
	if b.defaultName == "" {
		b.defaultName = reg.Name
	}
	b.mu.Unlock()
	return reg
}

// Registration looks up a binding by name.
func (b *Binding[S]) Registration(name string) (*Registration[S], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.byName[name]
	return r, ok
}

// Registrations returns every registration, in registration order.
func (b *Binding[S]) Registrations() []*Registration[S] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Registration[S], 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.byName[name])
	}
	return out
}

// MarkAsDefault makes name the current default. No-op if name is unknown.
func (b *Binding[S]) MarkAsDefault(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byName[name]; ok {
		b.defaultName = name
	}
}

// Unregister removes a named registration; if it was the default, the next
// registration in order (if any) becomes default.
func (b *Binding[S]) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byName[name]; !ok {
		return
	}
	delete(b.byName, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if b.defaultName == name {
		b.defaultName = ""
		if len(b.order) > 0 {
			b.defaultName = b.order[0]
		}
	}
}

// UnregisterAllByOwner removes every registration owned by owner (the
// module/plugin that introduced it).
func (b *Binding[S]) UnregisterAllByOwner(owner string) {
	b.mu.Lock()
	var toRemove []string
	for name, r := range b.byName {
		if r.Owner == owner {
			toRemove = append(toRemove, name)
		}
	}
	b.mu.Unlock()
	for _, name := range toRemove {
		b.Unregister(name)
	}
}

// DefaultRegistration returns a stable handle over whichever registration
// is currently default. Callers must not cache Instance(); they must call
// Instance() through the handle each time so that a later swap of the
// default is observed.
type DefaultRegistration[S any] struct {
	b *Binding[S]
}

// DefaultRegistration returns the façade described above, or the zero
// handle plus false if nothing is registered yet.
func (b *Binding[S]) DefaultRegistration() (*DefaultRegistration[S], bool) {
	b.mu.RLock()
	ok := b.defaultName != ""
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &DefaultRegistration[S]{b: b}, true
}

// current returns the live default registration.
func (d *DefaultRegistration[S]) current() (*Registration[S], bool) {
	d.b.mu.RLock()
	defer d.b.mu.RUnlock()
	if d.b.defaultName == "" {
		return nil, false
	}
	return d.b.byName[d.b.defaultName], true
}

// Instance resolves to the current default's instance. If the current
// default is constructor-style, this still works (a fresh instance is
// built and returned) — it does not error by itself, since this is a
// direct call through the handle, not a cached proxy. Call CallProxy when
// the original call came in through a previously-vended singleton proxy,
// to get the RegistryAbsent check.
func (d *DefaultRegistration[S]) Instance() (S, error) {
	reg, ok := d.current()
	if !ok {
		var zero S
		return zero, fmt.Errorf("registry: no default registration")
	}
	return reg.Instance(), nil
}

// Proxy returns a handle that remembers the Kind observed at vend time. A
// later Call made after the default switched away from Singleton fails
// with clustererr.RegistryAbsent, modeling the source's dynamic-proxy
// failure mode for a caller holding a stale singleton-backed proxy.
type Proxy[S any] struct {
	d        *DefaultRegistration[S]
	vendedAs Kind
}

// Proxy vends a Proxy handle, snapshotting the Kind of the registration
// that is default right now.
func (d *DefaultRegistration[S]) Proxy() (*Proxy[S], error) {
	reg, ok := d.current()
	if !ok {
		var zero *Proxy[S]
		return zero, fmt.Errorf("registry: no default registration")
	}
	return &Proxy[S]{d: d, vendedAs: reg.Kind}, nil
}

// Call resolves to the live default's instance, honoring the proxy
// semantics: a Singleton-vended proxy transparently follows whichever
// registration is default now (even if it changed), but if the live
// default is no longer Singleton-style it returns RegistryAbsent rather
// than silently constructing and discarding a fresh instance per call.
func (p *Proxy[S]) Call() (S, error) {
	reg, ok := p.d.current()
	if !ok {
		var zero S
		return zero, fmt.Errorf("registry: no default registration")
	}
	if p.vendedAs == Singleton && reg.Kind != Singleton {
		var zero S
		return zero, clustererr.RegistryAbsent
	}
	return reg.Instance(), nil
}
