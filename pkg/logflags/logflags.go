// Package logflags controls which subsystems emit debug logging and how,
// mirroring the per-layer, flag-gated logrus loggers used throughout this
// codebase rather than one global logger.
package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	controller = false
	hwCounter  = false
	syscallBuf = false
	gdbWire    = false
	sigTable   = false
	memory     = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Controller returns true if the task controller should log resume/wait
// transitions.
func Controller() bool {
	return controller
}

// ControllerLogger returns a logger for the task controller.
func ControllerLogger() *logrus.Entry {
	return makeLogger(controller, logrus.Fields{"layer": "proc"})
}

// HWCounter returns true if the performance-counter engine should log
// counter programming and overflow delivery.
func HWCounter() bool {
	return hwCounter
}

// HWCounterLogger returns a logger for the performance-counter engine.
func HWCounterLogger() *logrus.Entry {
	return makeLogger(hwCounter, logrus.Fields{"layer": "hwcounter"})
}

// SyscallBuf returns true if the syscall-buffer protocol should log
// patch/flush/desched activity.
func SyscallBuf() bool {
	return syscallBuf
}

// SyscallBufLogger returns a logger for the syscall-buffer protocol.
func SyscallBufLogger() *logrus.Entry {
	return makeLogger(syscallBuf, logrus.Fields{"layer": "syscallbuf"})
}

// GdbWire returns true if the gdbserial package should log all packets
// exchanged with the remote debugger client.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a logger for the remote-debug server's wire
// protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbserial"})
}

// SigTable returns true if the signal-disposition table should log
// installs and resets.
func SigTable() bool {
	return sigTable
}

// SigTableLogger returns a logger for the signal-disposition table.
func SigTableLogger() *logrus.Entry {
	return makeLogger(sigTable, logrus.Fields{"layer": "sighandlers"})
}

// Memory returns true if the memory view should log fallback paths (short
// reads, mem-fd reopen after exec).
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory view.
func MemoryLogger() *logrus.Entry {
	return makeLogger(memory, logrus.Fields{"layer": "proc", "kind": "memory"})
}

var errLogstrWithoutLog = errors.New("-log-output specified without -log")

// Setup sets package-level log flags based on the contents of logstr, a
// comma-separated list of layer names. Called once from main with the
// process's -log/-log-output flags.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if out == nil {
		out = ioutil.Discard
	}
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	log.SetOutput(out)
	if logstr == "" {
		logstr = "proc"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "proc":
			controller = true
		case "hwcounter":
			hwCounter = true
		case "syscallbuf":
			syscallBuf = true
		case "gdbserial":
			gdbWire = true
		case "sighandlers":
			sigTable = true
		case "memory":
			memory = true
		}
	}
	return nil
}
