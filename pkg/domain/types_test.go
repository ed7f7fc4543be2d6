package domain

import "testing"

func TestSandboxConfigValidate(t *testing.T) {
	valid := SandboxConfig{
		KernelPath:        "/vmlinux",
		RootfsPath:        "/rootfs.ext4",
		FirecrackerBinary: "/usr/bin/firecracker",
		WorkDir:           "/run/sandboxd",
		MemSizeMB:         256,
		VCPUCount:         2,
	}

	tests := []struct {
		name    string
		modify  func(*SandboxConfig)
		wantErr bool
	}{
		{"valid", func(c *SandboxConfig) {}, false},
		{"missing kernel path", func(c *SandboxConfig) { c.KernelPath = "" }, true},
		{"missing rootfs path", func(c *SandboxConfig) { c.RootfsPath = "" }, true},
		{"missing firecracker binary", func(c *SandboxConfig) { c.FirecrackerBinary = "" }, true},
		{"missing work dir", func(c *SandboxConfig) { c.WorkDir = "" }, true},
		{"zero memory", func(c *SandboxConfig) { c.MemSizeMB = 0 }, true},
		{"zero vcpu", func(c *SandboxConfig) { c.VCPUCount = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecResultSuccess(t *testing.T) {
	if !(ExecResult{ExitCode: 0}).Success() {
		t.Error("expected exit code 0 to be success")
	}
	if (ExecResult{ExitCode: 1}).Success() {
		t.Error("expected exit code 1 to not be success")
	}
}

func TestSandboxStateString(t *testing.T) {
	cases := map[SandboxState]string{
		SandboxCreating:        "creating",
		SandboxReady:           "ready",
		SandboxDestroyed:       "destroyed",
		SandboxState(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestPoolStatsHitRate(t *testing.T) {
	empty := PoolStats{}
	if empty.HitRate() != 0 {
		t.Errorf("HitRate() on empty stats = %f, want 0", empty.HitRate())
	}

	stats := PoolStats{WarmHits: 3, ColdMisses: 1}
	if got := stats.HitRate(); got != 75 {
		t.Errorf("HitRate() = %f, want 75", got)
	}
}
