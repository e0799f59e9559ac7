package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Process is a running host-agent process and its working directory.
type Process struct {
	PID int
	Cwd string
}

// ProcessLister lists running processes whose executable matches name.
// Processes whose working directory cannot be resolved are omitted.
type ProcessLister interface {
	List(ctx context.Context, name string) ([]Process, error)
}

// DefaultProcessLister reads /proc when it is mounted and falls back to ps and lsof.
func DefaultProcessLister() ProcessLister {
	if l, err := NewProcFSLister(procfs.DefaultMountPoint); err == nil {
		return l
	}
	return &PSLister{}
}

// ProcFSLister resolves processes through the proc filesystem.
type ProcFSLister struct {
	fs procfs.FS
}

// NewProcFSLister opens the proc filesystem mounted at mountPoint.
func NewProcFSLister(mountPoint string) (*ProcFSLister, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	if _, err := fs.Self(); err != nil {
		return nil, fmt.Errorf("procfs at %s unusable: %w", mountPoint, err)
	}
	return &ProcFSLister{fs: fs}, nil
}

// List implements ProcessLister.
func (l *ProcFSLister) List(ctx context.Context, name string) ([]Process, error) {
	procs, err := l.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Process
	for _, p := range procs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		comm, err := p.Comm()
		if err != nil {
			continue
		}
		args, _ := p.CmdLine()
		if !matchesProcess(comm, args, name) {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		out = append(out, Process{PID: p.PID, Cwd: cwd})
	}
	return out, nil
}

// PSLister shells out to ps for the process table and lsof for working
// directories. It serves systems without /proc, such as macOS.
type PSLister struct{}

// List implements ProcessLister.
func (l *PSLister) List(ctx context.Context, name string) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}

	var procs []Process
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		args := fields[1:]
		if !matchesProcess(filepath.Base(args[0]), args, name) {
			continue
		}
		cwd, err := lsofCwd(ctx, pid)
		if err != nil || cwd == "" {
			continue
		}
		procs = append(procs, Process{PID: pid, Cwd: cwd})
	}
	return procs, sc.Err()
}

// lsofCwd returns the working directory of pid from lsof field output.
func lsofCwd(ctx context.Context, pid int) (string, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", err
	}
	return parseLsofCwd(out), nil
}

func parseLsofCwd(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n/") {
			return strings.TrimSpace(line[1:])
		}
	}
	return ""
}

// matchesProcess reports whether a process is the named executable, either
// directly or as the script of an interpreter such as node.
func matchesProcess(comm string, args []string, name string) bool {
	if comm == name {
		return true
	}
	for i, arg := range args {
		if i > 1 {
			break
		}
		if filepath.Base(arg) == name {
			return true
		}
	}
	return false
}
