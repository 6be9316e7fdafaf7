package native

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

const (
	addrNoRandomize  = 0x0040000
	addrCompatLayout = 0x0200000
	prSetTSC         = 0x1a
	prTSCSigsegv     = 0x2
)

// SpawnConfig describes how to launch a root tracee. Path/Args/Env follow
// os/exec conventions; TTY, if non-empty, must name a real terminal the
// tracee's stdio is attached to so recorded terminal I/O replays
// identically. When TTY is empty a pty is allocated automatically.
type SpawnConfig struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	TTY  string
}

// Spawn launches the root tracee through os/exec with PTRACE_TRACEME in
// effect (SysProcAttr.Ptrace) and a parent-death signal of SIGKILL; the
// child stops with SIGTRAP once its exec completes. Spawn does not run
// SetUpProcess: ASLR stays as inherited, rdtsc is not trapped, and the
// tracee raises no SIGSTOP of its own before exec.
func Spawn(cfg SpawnConfig) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: unix.SIGKILL,
	}

	var ptyFile *os.File
	if cfg.TTY != "" {
		f, err := attachToTTY(cmd, cfg.TTY)
		if err != nil {
			return nil, nil, err
		}
		ptyFile = f
	} else {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("native: allocating pty: %w", err)
		}
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		ptyFile = ptmx
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("native: spawning tracee: %w", err)
	}
	return cmd, ptyFile, nil
}

func attachToTTY(cmd *exec.Cmd, ttyPath string) (*os.File, error) {
	f, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if !isatty.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("native: %s is not a terminal", f.Name())
	}
	cmd.Stdin = f
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	return f, nil
}

// SetUpProcess runs inside the tracee after PTRACE_TRACEME (via
// SysProcAttr.Ptrace) and before exec, disabling ASLR, arming rdtsc
// trapping, and setting the parent-death signal, mirroring the original
// tracer's set_up_process. It is only meaningful when called from the
// grandchild of a ForkExec with CLONE semantics matching os/exec's; here
// it is exposed so a caller driving raw fork/exec (rather than os/exec)
// can reuse the same sequence.
func SetUpProcess() error {
	pers, err := getPersonality()
	if err != nil {
		return fmt.Errorf("native: getting personality: %w", err)
	}
	if err := setPersonality(pers | addrNoRandomize | addrCompatLayout); err != nil {
		return fmt.Errorf("native: disabling ASLR: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, prSetTSC, prTSCSigsegv, 0); errno != 0 {
		return fmt.Errorf("native: arming rdtsc trapping: %w", errno)
	}
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("native: setting parent-death signal: %w", err)
	}
	return unix.Kill(unix.Getpid(), unix.SIGSTOP)
}

func getPersonality() (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_PERSONALITY, 0xffffffff, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func setPersonality(p int) error {
	_, _, errno := unix.Syscall(unix.SYS_PERSONALITY, uintptr(p), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
