package sberrors

import (
	"errors"
	"testing"
	"time"
)

func TestIsMatchesByKind(t *testing.T) {
	err := NotFoundOrInvalid()
	if !errors.Is(err, NotFoundOrInvalid()) {
		t.Error("expected NotFoundOrInvalid to match itself by kind")
	}
	if errors.Is(err, Launcher(nil)) {
		t.Error("expected NotFoundOrInvalid not to match a Launcher error")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := IO("write sandbox file", cause)

	if !errors.Is(err, cause) {
		t.Error("expected IO error to unwrap to its cause")
	}
}

func TestErrorMessageOmitsNilCause(t *testing.T) {
	err := AgentUnreachable(10 * time.Second)
	want := "agent_unreachable: agent unreachable after 10s"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundOrInvalidIsUniform(t *testing.T) {
	malformed := NotFoundOrInvalid()
	unknown := NotFoundOrInvalid()

	if malformed.Error() != unknown.Error() {
		t.Error("malformed and unknown ids must render identical errors")
	}
}

func TestAsExtractsRPCCode(t *testing.T) {
	err := RPC(42, "guest exploded")
	se, ok := As(err)
	if !ok {
		t.Fatal("expected As to succeed on a SandboxError")
	}
	if se.RPCCode != 42 {
		t.Errorf("RPCCode = %d, want 42", se.RPCCode)
	}
	if se.Kind != KindRPC {
		t.Errorf("Kind = %v, want KindRPC", se.Kind)
	}
}
