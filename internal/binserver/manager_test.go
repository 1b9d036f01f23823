package binserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/events"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/testutil"
)

const (
	longRunning = `echo "args: $@"
echo "oops" >&2
while :; do sleep 0.1; done`
	ignoresTerm = `trap '' TERM
echo ready
while :; do sleep 0.05; done`
)

func testConfig(binary string) models.ServerProcessConfig {
	return models.ServerProcessConfig{
		BinaryPath:      binary,
		Port:            DefaultPort,
		Email:           "user@example.com",
		Password:        "secret1",
		CredentialsFile: "/tmp/anylist-creds",
	}
}

func newManager(t *testing.T, binary string, opts ...Option) *Manager {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithSettleDelay(10 * time.Millisecond)}, opts...)
	m, err := New(testConfig(binary), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Stop(context.Background(), WithSignal(os.Kill), WithTimeout(time.Second))
		m.Close()
	})
	return m
}

// waitFor returns the first event of type typ, discarding others.
func waitFor(t *testing.T, ch <-chan events.Event, typ string, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	cfg := testConfig("/bin/true")
	cfg.Password = ""
	if _, err := New(cfg); !errors.Is(err, apperr.Validation) {
		t.Fatalf("New = %v, want VALIDATION", err)
	}
	if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "password") {
		t.Fatalf("ValidateConfig = %v, want password named", err)
	}
}

func TestNewDefaultsIPFilter(t *testing.T) {
	m := newManager(t, "/bin/true")
	args := strings.Join(m.Args(), " ")
	want := "--port 28597 --email user@example.com --password secret1 --credentials-file /tmp/anylist-creds --ip-filter 127.0.0.1"
	if args != want {
		t.Errorf("args = %q\nwant   %q", args, want)
	}
	if m.Address() != "http://127.0.0.1:28597" {
		t.Errorf("address = %q", m.Address())
	}
}

func TestStartMissingBinary(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "missing"))
	ch, cancel := m.Subscribe()
	defer cancel()

	err := m.Start(context.Background())
	if !errors.Is(err, apperr.Binary) {
		t.Fatalf("Start = %v, want BINARY", err)
	}
	if m.Available() || m.PID() != 0 {
		t.Fatal("no process should be running")
	}
	select {
	case ev := <-ch:
		if ev.Type == EventStarted {
			t.Fatal("started must not be emitted")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartFixesExecutableBit(t *testing.T) {
	bin := testutil.WriteScript(t, longRunning, 0o644)
	m := newManager(t, bin)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, err := os.Stat(bin)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("mode = %o, want owner exec bit", info.Mode().Perm())
	}
}

func TestStartEmitsStartedAndOutput(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, longRunning, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Available() || m.State() != StateRunning {
		t.Fatalf("state = %s, want running", m.State())
	}

	started := waitFor(t, ch, EventStarted, time.Second)
	info := started.Data.(StartedInfo)
	if info.PID != m.PID() || info.Address != m.Address() {
		t.Errorf("started payload = %+v", info)
	}

	var stdout, stderr string
	for stdout == "" || stderr == "" {
		out := waitFor(t, ch, EventOutput, 2*time.Second).Data.(OutputLine)
		switch out.Stream {
		case "stdout":
			stdout = out.Text
		case "stderr":
			stderr = out.Text
		}
	}
	if !strings.HasPrefix(stdout, "[stdout] args: --port 28597") {
		t.Errorf("stdout line = %q", stdout)
	}
	if stderr != "[stderr] oops" {
		t.Errorf("stderr line = %q", stderr)
	}

	if err := m.Start(context.Background()); !errors.Is(err, apperr.Binary) {
		t.Errorf("second Start = %v, want BINARY", err)
	}
}

func TestStopGraceful(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, longRunning, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ch, EventStarted, time.Second)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Available() || m.State() != StateIdle || m.PID() != 0 {
		t.Fatalf("after stop: state=%s pid=%d", m.State(), m.PID())
	}
	stopped := waitFor(t, ch, EventStopped, time.Second).Data.(StoppedInfo)
	if stopped.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 (signalled)", stopped.ExitCode)
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	m := newManager(t, "/bin/true")
	ch, cancel := m.Subscribe()
	defer cancel()

	start := time.Now()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Stop on idle manager should return immediately")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopTimeoutForceKills(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, ignoresTerm, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ch, EventOutput, 2*time.Second) // trap installed

	start := time.Now()
	err := m.Stop(context.Background(), WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)
	if !errors.Is(err, apperr.Binary) {
		t.Fatalf("Stop = %v, want BINARY", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Stop took %s", elapsed)
	}
	if m.Available() {
		t.Error("process should have been killed")
	}
	waitFor(t, ch, EventStopped, time.Second)

	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestNonZeroExitEmitsStoppedAndError(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, "exit 3", 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := waitFor(t, ch, EventStopped, 2*time.Second).Data.(StoppedInfo)
	if stopped.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", stopped.ExitCode)
	}
	errInfo := waitFor(t, ch, EventError, time.Second).Data.(ErrorInfo)
	if !errors.Is(errInfo.Err, apperr.Binary) || apperr.CodeOf(errInfo.Err) != 3 {
		t.Errorf("error payload = %+v", errInfo)
	}
	if m.State() != StateFailed || m.Available() {
		t.Errorf("state = %s, want failed", m.State())
	}
}

func TestCleanExitEmitsNoError(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, "exit 0", 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ch, EventStopped, 2*time.Second)
	select {
	case ev := <-ch:
		if ev.Type == EventError {
			t.Fatal("clean exit must not emit error")
		}
	case <-time.After(100 * time.Millisecond):
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle", m.State())
	}
}

func TestRestart(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, longRunning, 0o755))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := m.PID()

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !m.Available() {
		t.Fatal("server should be running after restart")
	}
	if m.PID() == first || m.PID() == 0 {
		t.Errorf("pid = %d, want a new process (was %d)", m.PID(), first)
	}
}

func TestRestartProceedsAfterForcedStop(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, ignoresTerm, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ch, EventOutput, 2*time.Second)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	// Default stop timeout applies, so the restart has to kill the first process.
	if err := m.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !m.Available() {
		t.Fatal("server should be running after restart")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateStarting: "starting", StateRunning: "running",
		StateStopping: "stopping", StateFailed: "failed", State(42): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestSetCredentials(t *testing.T) {
	m := newManager(t, "/bin/true")

	if err := m.SetCredentials("other@example.com", "changed1"); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	got := strings.Join(m.Args(), " ")
	if !strings.Contains(got, "--email other@example.com") || !strings.Contains(got, "--password changed1") {
		t.Fatalf("args = %q", got)
	}

	if err := m.SetCredentials("", "changed1"); !errors.Is(err, apperr.Validation) {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
	if !strings.Contains(strings.Join(m.Args(), " "), "other@example.com") {
		t.Fatal("rejected update must not change config")
	}
}

func TestExitSeenWhileChildHoldsOutput(t *testing.T) {
	m := newManager(t, testutil.WriteScript(t, "sleep 5 &\necho hi\nexit 2", 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := waitFor(t, ch, EventStopped, 3*time.Second).Data.(StoppedInfo)
	if stopped.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", stopped.ExitCode)
	}
	if m.Available() || m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
}

func TestLifecycleEventsSurviveOutputBurst(t *testing.T) {
	script := "i=0\nwhile [ $i -lt 500 ]; do echo line $i; i=$((i+1)); done\nexit 0"
	m := newManager(t, testutil.WriteScript(t, script, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for m.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	var sawStarted, sawStopped bool
	for !sawStopped {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventStarted:
				sawStarted = true
			case EventStopped:
				sawStopped = true
			}
		case <-time.After(time.Second):
			t.Fatalf("stopped event lost (started seen: %v)", sawStarted)
		}
	}
	if !sawStarted {
		t.Error("started event lost")
	}
}

func TestStopWithErrorExitReportsErrorButIdles(t *testing.T) {
	script := "trap 'exit 1' TERM\necho ready\nwhile :; do sleep 0.05; done"
	m := newManager(t, testutil.WriteScript(t, script, 0o755))
	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, ch, EventOutput, 2*time.Second)

	if err := m.Stop(context.Background(), WithTimeout(2*time.Second)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if code := waitFor(t, ch, EventStopped, time.Second).Data.(StoppedInfo).ExitCode; code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	waitFor(t, ch, EventError, time.Second)
	if m.State() != StateIdle {
		t.Errorf("state = %s, want idle after Stop", m.State())
	}
}
