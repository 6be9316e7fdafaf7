package logflags

import (
	"bytes"
	"testing"
)

func TestSetupDisabled(t *testing.T) {
	controller, hwCounter, syscallBuf, gdbWire, sigTable, memory = false, false, false, false, false, false
	if err := Setup(false, "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Controller() || HWCounter() || SyscallBuf() || GdbWire() || SigTable() || Memory() {
		t.Fatal("expected all layers disabled")
	}
}

func TestSetupWithoutLogIsError(t *testing.T) {
	if err := Setup(false, "hwcounter", nil); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
}

func TestSetupSelectsLayers(t *testing.T) {
	controller, hwCounter, syscallBuf, gdbWire, sigTable, memory = false, false, false, false, false, false
	var buf bytes.Buffer
	if err := Setup(true, "hwcounter,gdbserial", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !HWCounter() || !GdbWire() {
		t.Fatal("expected hwcounter and gdbserial enabled")
	}
	if Controller() || SyscallBuf() || SigTable() || Memory() {
		t.Fatal("expected other layers to stay disabled")
	}
}

func TestSetupDefaultsToProc(t *testing.T) {
	controller, hwCounter, syscallBuf, gdbWire, sigTable, memory = false, false, false, false, false, false
	if err := Setup(true, "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Controller() {
		t.Fatal("expected proc layer enabled by default")
	}
}

func TestLoggersRespectFlag(t *testing.T) {
	controller, hwCounter, syscallBuf, gdbWire, sigTable, memory = false, false, false, false, false, false
	if err := Setup(true, "hwcounter", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if HWCounterLogger().Logger.Level.String() != "debug" {
		t.Fatalf("expected debug level for enabled layer, got %v", HWCounterLogger().Logger.Level)
	}
	if ControllerLogger().Logger.Level.String() != "panic" {
		t.Fatalf("expected panic level for disabled layer, got %v", ControllerLogger().Logger.Level)
	}
}
