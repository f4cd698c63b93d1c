//go:build !linux

// Package firecracker provides a Firecracker microVM-based sandbox backend.
// This stub is built on non-Linux platforms, where Firecracker (and KVM)
// are unavailable; every operation returns ErrNotSupported.
package firecracker

import (
	"context"
	"errors"

	"github.com/relaykit/agentcore/internal/sandbox"
)

// ErrNotSupported is returned by every Backend operation on non-Linux
// platforms.
var ErrNotSupported = errors.New("firecracker: only supported on Linux")

// BackendConfig mirrors the Linux build's configuration surface so callers
// can construct it uniformly across platforms.
type BackendConfig struct {
	KernelPath     string
	RootFSImages   map[string]string
	DefaultVCPUs   int64
	DefaultMemMB   int64
	NetworkEnabled bool
}

func DefaultBackendConfig() BackendConfig {
	return BackendConfig{RootFSImages: map[string]string{}, DefaultVCPUs: 1, DefaultMemMB: 512}
}

// Backend is a no-op sandbox.Factory on non-Linux platforms.
type Backend struct{}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	return nil, ErrNotSupported
}

func (b *Backend) NewInstance(ctx context.Context, kind string, guest sandbox.GuestSource, cfg sandbox.Config) (sandbox.Instance, error) {
	return nil, ErrNotSupported
}
