// Package binserver supervises the local list server binary: it spawns the
// process, relays its output, and stops it gracefully or by force.
package binserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/events"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/validate"
)

// Defaults for the supervised binary.
const (
	DefaultPort        = 28597
	DefaultIPFilter    = "127.0.0.1"
	DefaultStopTimeout = 5 * time.Second
	DefaultSettleDelay = time.Second

	loopbackHost = "127.0.0.1"
	reapTimeout  = 5 * time.Second
	drainGrace   = 500 * time.Millisecond
)

// Event types published by the manager.
const (
	EventStarted = "server.started"
	EventStopped = "server.stopped"
	EventError   = "server.error"
	EventOutput  = "server.output"
)

// State is the lifecycle state of the supervised process.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StartedInfo is the payload of EventStarted.
type StartedInfo struct {
	PID     int    `json:"pid"`
	Address string `json:"address"`
}

// StoppedInfo is the payload of EventStopped. ExitCode is -1 when the
// process was terminated by a signal.
type StoppedInfo struct {
	ExitCode int `json:"exit_code"`
}

// OutputLine is the payload of EventOutput. Text carries a "[stdout] " or
// "[stderr] " prefix.
type OutputLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// ErrorInfo is the payload of EventError.
type ErrorInfo struct {
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Manager owns exactly one server process at a time.
//
// Lifecycle calls are not serialized against each other; callers issuing
// overlapping Start/Stop/Restart calls must order them. The mutex only
// protects the manager's own fields.
type Manager struct {
	cfg       models.ServerProcessConfig
	logger    *slog.Logger
	broker    *events.Broker
	ownBroker bool
	settle    time.Duration

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	done  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBroker publishes lifecycle events on an existing broker instead of a
// private one.
func WithBroker(b *events.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithSettleDelay sets the pause between stop and start in Restart.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) { m.settle = d }
}

// ValidateConfig reports the first missing required field as a VALIDATION error.
func ValidateConfig(cfg models.ServerProcessConfig) error {
	return validate.ServerProcessConfig(cfg)
}

// New validates cfg and returns an idle manager.
func New(cfg models.ServerProcessConfig, opts ...Option) (*Manager, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.IPFilter == "" {
		cfg.IPFilter = DefaultIPFilter
	}
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		settle: DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broker == nil {
		m.broker = events.NewBroker()
		m.ownBroker = true
	}
	return m, nil
}

// Close releases the manager's private broker. It does not stop the process.
func (m *Manager) Close() {
	if m.ownBroker {
		m.broker.Close()
	}
}

// Subscribe registers a listener for lifecycle events. The returned func
// removes it.
func (m *Manager) Subscribe() (<-chan events.Event, func()) {
	return m.broker.Listen()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Available reports whether the process is running.
func (m *Manager) Available() bool {
	return m.State() == StateRunning
}

// Address returns the loopback base URL the server listens on.
func (m *Manager) Address() string {
	return fmt.Sprintf("http://%s:%d", loopbackHost, m.config().Port)
}

// PID returns the process id, or 0 when no process is running.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Args returns the command-line flags passed to the binary.
func (m *Manager) Args() []string {
	return args(m.config())
}

func args(cfg models.ServerProcessConfig) []string {
	return []string{
		"--port", strconv.Itoa(cfg.Port),
		"--email", cfg.Email,
		"--password", cfg.Password,
		"--credentials-file", cfg.CredentialsFile,
		"--ip-filter", cfg.IPFilter,
	}
}

func (m *Manager) config() models.ServerProcessConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetCredentials replaces the login handed to the next spawned process. A
// running process keeps its old login until Restart.
func (m *Manager) SetCredentials(email, password string) error {
	cfg := m.config()
	cfg.Email, cfg.Password = email, password
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Start spawns the binary. The manager is Running as soon as the spawn
// succeeds; waiting for the server to answer requests is up to the caller.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindBinary, "start cancelled", err)
	}
	cfg := m.config()
	if err := ensureExecutable(cfg.BinaryPath, m.logger); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cmd != nil {
		m.mu.Unlock()
		return apperr.New(apperr.KindBinary, "server already running")
	}
	m.state = StateStarting

	cmd := exec.Command(cfg.BinaryPath, args(cfg)...)
	configureProcAttr(cmd)

	// Plain os.Pipe ends instead of cmd.StdoutPipe: Wait must not depend on
	// the pipes closing, since a child of the server can keep them open.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		m.state = StateFailed
		m.mu.Unlock()
		return m.fail(apperr.Wrap(apperr.KindBinary, "stdout pipe", err))
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		m.state = StateFailed
		m.mu.Unlock()
		return m.fail(apperr.Wrap(apperr.KindBinary, "stderr pipe", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		m.state = StateFailed
		m.mu.Unlock()
		return m.fail(apperr.Wrap(apperr.KindBinary, "failed to start server binary", err))
	}

	done := make(chan struct{})
	m.cmd = cmd
	m.done = done
	m.state = StateRunning
	pid := cmd.Process.Pid
	m.mu.Unlock()

	m.logger.Info("binserver: started",
		slog.String("binary", cfg.BinaryPath),
		slog.Int("port", cfg.Port),
		slog.Int("pid", pid))
	m.broker.Publish(events.Event{Type: EventStarted, Data: StartedInfo{PID: pid, Address: m.Address()}})

	go m.supervise(cmd, stdout, stderr, done)
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// supervise reaps the process and relays its output. Exit is reported once
// Wait returns; output still buffered in the pipes gets drainGrace to arrive
// first, after which the pumps keep running on their own until EOF.
func (m *Manager) supervise(cmd *exec.Cmd, stdout, stderr *os.File, done chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(2)
	go m.pump(stdout, "stdout", &wg)
	go m.pump(stderr, "stderr", &wg)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	_ = cmd.Wait()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		m.logger.Debug("binserver: output still open after exit")
	}
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	m.mu.Lock()
	stopping := m.state == StateStopping
	if m.cmd == cmd {
		m.cmd = nil
		m.done = nil
	}
	if code > 0 && !stopping {
		m.state = StateFailed
	} else {
		m.state = StateIdle
	}
	m.mu.Unlock()

	m.logger.Info("binserver: exited", slog.Int("exit_code", code))
	m.broker.Publish(events.Event{Type: EventStopped, Data: StoppedInfo{ExitCode: code}})
	// Reported even during Stop; only the resulting state depends on stopping.
	if code > 0 {
		err := apperr.WithCode(apperr.KindBinary, "server exited with error code", code)
		m.logger.Error("binserver: exited with error", slog.Int("exit_code", code))
		m.broker.Publish(events.Event{Type: EventError, Data: ErrorInfo{Message: err.Error(), Err: err}})
	}
	close(done)
}

func (m *Manager) pump(r *os.File, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()
	prefix := "[" + stream + "] "
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m.logger.Info("binserver: output", slog.String("stream", stream), slog.String("line", line))
		m.broker.Publish(events.Event{Type: EventOutput, Data: OutputLine{Stream: stream, Text: prefix + line}, Lossy: true})
	}
	// Drain whatever the scanner gave up on so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// StopOption configures Stop.
type StopOption func(*stopOptions)

type stopOptions struct {
	signal  os.Signal
	timeout time.Duration
}

// WithSignal sets the termination signal (default SIGTERM).
func WithSignal(sig os.Signal) StopOption {
	return func(o *stopOptions) { o.signal = sig }
}

// WithTimeout sets how long to wait for exit before killing (default 5s).
func WithTimeout(d time.Duration) StopOption {
	return func(o *stopOptions) { o.timeout = d }
}

// Stop signals the process and waits for it to exit. If it is still alive
// after the timeout (or ctx ends first) the process group is killed and a
// BINARY error is returned. Stop is a no-op when nothing is running.
func (m *Manager) Stop(ctx context.Context, opts ...StopOption) error {
	o := stopOptions{signal: syscall.SIGTERM, timeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	if m.cmd == nil {
		m.mu.Unlock()
		return nil
	}
	proc := m.cmd.Process
	done := m.done
	if m.state == StateRunning {
		m.state = StateStopping
	}
	m.mu.Unlock()

	m.logger.Info("binserver: stopping", slog.Int("pid", proc.Pid), slog.String("signal", o.signal.String()))
	if err := signalProcess(proc, o.signal); err != nil {
		m.logger.Debug("binserver: signal failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		m.forceKill(proc, done)
		return apperr.New(apperr.KindBinary, fmt.Sprintf("server did not exit within %s and was killed", o.timeout))
	case <-ctx.Done():
		m.forceKill(proc, done)
		return apperr.Wrap(apperr.KindBinary, "stop interrupted, server killed", ctx.Err())
	}
}

func (m *Manager) forceKill(proc *os.Process, done <-chan struct{}) {
	m.logger.Warn("binserver: force killing", slog.Int("pid", proc.Pid))
	if err := killProcess(proc); err != nil {
		m.logger.Warn("binserver: kill failed", slog.String("error", err.Error()))
	}
	select {
	case <-done:
	case <-time.After(reapTimeout):
		m.logger.Error("binserver: process not reaped after kill", slog.Int("pid", proc.Pid))
	}
}

// Restart stops a running process, waits the settle delay, and starts a new
// one. A failed stop is logged and does not prevent the start.
func (m *Manager) Restart(ctx context.Context) error {
	if m.Available() {
		if err := m.Stop(ctx); err != nil {
			m.logger.Warn("binserver: stop during restart failed", slog.String("error", err.Error()))
		}
		select {
		case <-time.After(m.settle):
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindBinary, "restart cancelled", ctx.Err())
		}
	}
	return m.Start(ctx)
}

func (m *Manager) fail(err *apperr.Error) error {
	m.logger.Error("binserver: start failed", slog.String("error", err.Error()))
	m.broker.Publish(events.Event{Type: EventError, Data: ErrorInfo{Message: err.Error(), Err: err}})
	return err
}

// ensureExecutable checks that path exists and sets the owner execute bit
// when no execute permission is present.
func ensureExecutable(path string, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperr.Wrap(apperr.KindBinary, "failed to locate server binary", err)
	}
	if info.IsDir() {
		return apperr.Newf(apperr.KindBinary, "server binary is a directory: %s", path)
	}
	if isExecutable(path) {
		return nil
	}
	logger.Debug("binserver: fixing server binary permissions", slog.String("path", path))
	if err := os.Chmod(path, info.Mode().Perm()|0o100); err != nil {
		return apperr.Wrap(apperr.KindBinary, "failed to fix server binary permissions", err)
	}
	if !isExecutable(path) {
		return apperr.New(apperr.KindBinary, "failed to fix server binary permissions")
	}
	return nil
}
