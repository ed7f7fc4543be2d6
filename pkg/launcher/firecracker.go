package launcher

import (
	"context"
	"fmt"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/sberrors"
)

// FirecrackerLauncher implements VmLauncher on top of firecracker-go-sdk.
// It is the default launcher used by the sandbox factory outside of tests.
type FirecrackerLauncher struct {
	log *logrus.Entry
}

// NewFirecrackerLauncher builds a launcher that logs through log.
func NewFirecrackerLauncher(log *logrus.Entry) *FirecrackerLauncher {
	return &FirecrackerLauncher{log: log.WithField("component", "launcher")}
}

// CreateWithID builds the firecracker.Config for cfg, spawns the machine,
// and starts it, placing the vsock device at cfg.ChannelSocketPath so the
// agent transport can dial it once the guest boots.
func (l *FirecrackerLauncher) CreateWithID(ctx context.Context, id string, cfg Config) (VmHandle, error) {
	fcConfig := firecracker.Config{
		SocketPath:      cfg.SocketPath,
		KernelImagePath: cfg.KernelImagePath,
		KernelArgs:      cfg.KernelArgs,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(cfg.VCPUCount),
			MemSizeMib: firecracker.Int64(cfg.MemSizeMB),
		},
		VsockDevices: []firecracker.VsockDevice{
			{
				Path: cfg.ChannelSocketPath,
				CID:  cfg.ChannelID,
			},
		},
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(cfg.RootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
	}

	opts := []firecracker.Opt{
		firecracker.WithLogger(l.log.WithField("sandbox_id", id)),
	}

	machine, err := firecracker.NewMachine(ctx, fcConfig, opts...)
	if err != nil {
		return nil, sberrors.Launcher(fmt.Errorf("create machine %s: %w", id, err))
	}

	if err := machine.Start(ctx); err != nil {
		return nil, sberrors.Launcher(fmt.Errorf("start machine %s: %w", id, err))
	}

	l.log.WithField("sandbox_id", id).Info("vm started")
	return &firecrackerHandle{machine: machine}, nil
}

type firecrackerHandle struct {
	machine *firecracker.Machine
}

func (h *firecrackerHandle) PID() (int, error) {
	return h.machine.PID()
}

func (h *firecrackerHandle) Destroy(ctx context.Context) error {
	if err := h.machine.Shutdown(ctx); err != nil {
		_ = h.machine.StopVMM()
	}
	if err := h.machine.Wait(ctx); err != nil {
		return sberrors.Launcher(err)
	}
	return nil
}
