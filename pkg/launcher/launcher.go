// Package launcher defines the VmLauncher capability the sandbox factory
// depends on, and a concrete implementation backed by
// firecracker-go-sdk.
package launcher

import (
	"context"
)

// VmLauncher is the abstract boundary between the core and whatever
// hypervisor family actually runs a guest. The core only ever talks to
// this interface; the firecracker-go-sdk implementation in this package
// is one concrete fulfiller of it.
type VmLauncher interface {
	// CreateWithID spawns a VM named id, wires its host-guest channel to
	// channelSocketPath, and starts it.
	CreateWithID(ctx context.Context, id string, cfg Config) (VmHandle, error)
}

// VmHandle is a running VM returned by a VmLauncher.
type VmHandle interface {
	// PID returns the hypervisor process id, for diagnostics.
	PID() (int, error)
	// Destroy tears the VM down and releases hypervisor-held resources.
	Destroy(ctx context.Context) error
}

// Config is the launcher-facing request to create one VM.
type Config struct {
	KernelImagePath   string
	KernelArgs        string
	RootfsPath        string
	FirecrackerBinary string
	MemSizeMB         int64
	VCPUCount         int64
	ChannelID         uint32
	// ChannelSocketPath is where the launcher must place the host end of
	// the guest channel before the agent transport dials it.
	ChannelSocketPath string
	// SocketPath is the firecracker API socket, distinct from the guest
	// channel socket.
	SocketPath string
}
