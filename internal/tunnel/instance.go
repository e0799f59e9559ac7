package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
)

// State is the lifecycle stage of an Instance.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateError    State = "error"
)

const diagnosticLines = 50

// Info is the public description of a tunnel.
type Info struct {
	Provider  string    `json:"provider"`
	URL       string    `json:"url"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	PID       int       `json:"pid,omitempty"`
}

// Instance owns one tunnel subprocess.
type Instance struct {
	provider string
	pattern  *regexp.Regexp
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	url       string
	startedAt time.Time
	cmd       *exec.Cmd
	diag      *ring

	urlCh    chan string
	scanDone chan struct{}
	exited   chan struct{}
	err      error // process exit status, valid once exited is closed
}

func newInstance(provider string, pattern *regexp.Regexp, logger zerolog.Logger) *Instance {
	return &Instance{
		provider: provider,
		pattern:  pattern,
		logger:   logger.With().Str("component", "tunnel").Str("provider", provider).Logger(),
		state:    StateIdle,
		diag:     newRing(diagnosticLines),
		urlCh:    make(chan string, 1),
		scanDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := Info{Provider: i.provider, URL: i.url, State: i.state, StartedAt: i.startedAt}
	if i.cmd != nil && i.cmd.Process != nil {
		info.PID = i.cmd.Process.Pid
	}
	return info
}

// State returns the current lifecycle stage.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Exited is closed when the subprocess has terminated.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// Diagnostics returns the most recent output lines.
func (i *Instance) Diagnostics() []string { return i.diag.lines() }

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) start(bin string, args []string) error {
	pr, pw := io.Pipe()
	cmd := exec.Command(bin, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Grandchildren may keep the output pipe open after the tool exits.
	cmd.WaitDelay = 2 * time.Second

	i.mu.Lock()
	i.state = StateStarting
	i.cmd = cmd
	i.mu.Unlock()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		i.setState(StateError)
		return &perrors.ProcessSpawnError{Binary: bin, Err: err}
	}
	i.logger.Debug().Str("binary", bin).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("tunnel process started")

	go i.scan(pr)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		i.mu.Lock()
		i.err = err
		if i.state != StateError {
			i.state = StateClosed
		}
		i.mu.Unlock()
		close(i.exited)
	}()
	return nil
}

func (i *Instance) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	found := false
	for sc.Scan() {
		line := sc.Text()
		i.diag.add(line)
		if found || i.pattern == nil {
			continue
		}
		if url := matchURL(i.pattern, line); url != "" {
			found = true
			i.urlCh <- url
		}
	}
	close(i.scanDone)
	// Keep draining so the subprocess never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func matchURL(re *regexp.Regexp, line string) string {
	m := re.FindStringSubmatch(line)
	switch {
	case m == nil:
		return ""
	case len(m) > 1 && m[1] != "":
		return m[1]
	default:
		return m[0]
	}
}

// awaitURL blocks until the URL is announced, the process exits, the
// timeout passes or ctx is done. On failure the process is terminated.
func (i *Instance) awaitURL(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case url := <-i.urlCh:
		i.activate(url)
		return nil
	case <-i.exited:
		select {
		case <-i.scanDone:
		case <-time.After(time.Second):
		}
		// A URL printed just before exiting still wins; the exit is then
		// reported like any later one.
		select {
		case url := <-i.urlCh:
			i.activate(url)
			return nil
		default:
		}
		i.setState(StateError)
		e := perrors.NewTunnelError(perrors.CodeEarlyExit, i.provider, "tunnel process exited before announcing a URL")
		e.Output = i.output()
		i.mu.Lock()
		e.Err = i.err
		i.mu.Unlock()
		return e
	case <-timer.C:
		i.fail()
		e := perrors.NewTunnelError(perrors.CodeURLTimeout, i.provider,
			fmt.Sprintf("no public URL within %s", timeout))
		e.Output = i.output()
		return e
	case <-ctx.Done():
		i.fail()
		return fmt.Errorf("tunnel %s: %w", i.provider, ctx.Err())
	}
}

func (i *Instance) activate(url string) {
	i.mu.Lock()
	i.url = url
	if i.state == StateStarting {
		i.state = StateActive
	}
	i.startedAt = time.Now()
	i.mu.Unlock()
	i.logger.Info().Str("url", url).Msg("tunnel active")
}

func (i *Instance) fail() {
	i.setState(StateError)
	i.kill()
}

func (i *Instance) output() string {
	return strings.Join(i.diag.lines(), "\n")
}

func (i *Instance) kill() {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Close terminates the subprocess, escalating from SIGTERM to SIGKILL after
// grace. It returns once the process has exited.
func (i *Instance) Close(grace time.Duration) error {
	i.mu.Lock()
	cmd := i.cmd
	switch i.state {
	case StateClosed, StateError:
		i.mu.Unlock()
		return nil
	}
	i.state = StateClosing
	i.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		i.setState(StateClosed)
		return nil
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-i.exited:
	case <-time.After(grace):
		i.logger.Warn().Dur("grace", grace).Msg("tunnel process ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-i.exited
	}
	i.setState(StateClosed)
	i.logger.Info().Msg("tunnel closed")
	return nil
}

// ring keeps the last n output lines.
type ring struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]string, n)} }

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
