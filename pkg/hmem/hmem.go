// Package hmem abstracts heterogeneous-memory copies behind an "iface +
// device-id" interface (spec.md section 6). Device backends (CUDA,
// ROCr, Level Zero, GDRCopy) are optional capability providers: when none
// is registered for an Iface, Copy returns ENOSYS rather than the
// endpoint attempting a dlopen-style runtime probe. This mirrors "sealed
// set of variants keyed by iface... avoiding the pointer-table-of-
// nullable-fns pattern" from the design notes — dispatch is a lookup in
// a map of registered providers, not a table of possibly-nil function
// pointers.
package hmem

import "github.com/fabriclink/efa-rdm/pkg/errs"

// Iface identifies a memory kind a copy may need to cross.
type Iface uint8

const (
	System Iface = iota
	CUDA
	ROCR
	ZE
	GDRCopy
)

// Copier performs a device-aware memcpy for one Iface.
type Copier interface {
	Copy(deviceID int, dst, src []byte) error
}

// systemCopier is always registered: a plain host-memory copy needs no
// external capability.
type systemCopier struct{}

func (systemCopier) Copy(_ int, dst, src []byte) error {
	copy(dst, src)
	return nil
}

// Registry dispatches Copy calls to whichever Copier is registered for
// an Iface. NewRegistry starts with only System available; the zero
// value has no providers at all, and Register on it panics.
type Registry struct {
	providers map[Iface]Copier
}

// NewRegistry constructs a registry with the System provider present.
func NewRegistry() *Registry {
	return &Registry{providers: map[Iface]Copier{System: systemCopier{}}}
}

// Register installs provider for iface, overwriting any prior one.
// Passing a nil provider removes the capability (e.g. a device library
// failed to initialize at startup).
func (r *Registry) Register(iface Iface, provider Copier) {
	if provider == nil {
		delete(r.providers, iface)
		return
	}
	r.providers[iface] = provider
}

// Available reports whether iface currently has a registered provider.
func (r *Registry) Available(iface Iface) bool {
	_, ok := r.providers[iface]
	return ok
}

// Copy copies src into dst using the provider registered for iface, or
// returns ErrNoSys if no provider is registered — the no-op ENOSYS path
// for an absent capability, taken instead of treating a missing device
// library as a hard failure.
func (r *Registry) Copy(iface Iface, deviceID int, dst, src []byte) error {
	p, ok := r.providers[iface]
	if !ok {
		return errs.ErrNoSys
	}
	return p.Copy(deviceID, dst, src)
}
