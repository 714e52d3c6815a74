package ops

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/hegde-atri/ironsight/internal/credstore"
	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/logging"
	"github.com/hegde-atri/ironsight/internal/remote"
	"github.com/hegde-atri/ironsight/internal/runner"
	"github.com/hegde-atri/ironsight/internal/tunnel"
	"github.com/hegde-atri/ironsight/internal/types"
)

type fakeProc struct {
	pid    int
	killed atomic.Bool
}

func (p *fakeProc) Kill() error  { p.killed.Store(true); return nil }
func (p *fakeProc) Wait() error  { return nil }
func (p *fakeProc) Pid() int     { return p.pid }
func (p *fakeProc) Exited() bool { return p.killed.Load() }

type fakeSpawner struct {
	mu    sync.Mutex
	specs []types.TunnelSpec
	procs []*fakeProc
}

func (s *fakeSpawner) SpawnFunc(spec types.TunnelSpec) tunnel.SpawnFunc {
	return func() (tunnel.Process, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		p := &fakeProc{pid: 4000 + len(s.procs)}
		s.specs = append(s.specs, spec)
		s.procs = append(s.procs, p)
		return p, nil
	}
}

// fakeSSH writes an ssh stand-in that drops the destination and hands the
// rest of its arguments to a shell, the way a remote sshd would.
func fakeSSH(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ssh")
	script := "#!/bin/sh\nshift\nexec sh -c \"$*\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newManager(t *testing.T, opts Options) (*Manager, *events.Recorder, *fakeSpawner) {
	t.Helper()
	keyring.MockInit()
	rec := &events.Recorder{}
	sp := &fakeSpawner{}
	if opts.Sink == nil {
		opts.Sink = rec
	}
	if opts.Spawner == nil {
		opts.Spawner = sp
	}
	opts.Logger = logging.Discard()
	if opts.SimulatedInterval == 0 {
		opts.SimulatedInterval = time.Millisecond
	}
	return New(opts), rec, sp
}

var spec = types.TunnelSpec{
	Host: "10.0.0.5", Username: "ops",
	LocalPort: 8080, RemoteHost: "localhost", RemotePort: 80,
}

func TestTunnel_StartTwiceSpawnsOnce(t *testing.T) {
	m, _, sp := newManager(t, Options{})

	res, err := m.StartSSHTunnel(spec)
	require.NoError(t, err)
	assert.Equal(t, tunnel.Started, res)

	again := spec
	again.LocalPort = 9090
	res, err = m.StartSSHTunnel(again)
	require.NoError(t, err)
	assert.Equal(t, tunnel.AlreadyRunning, res, "the key ignores ports")

	assert.Len(t, sp.procs, 1)
	assert.True(t, m.TunnelRunning("10.0.0.5", "ops"))
}

func TestTunnel_StopThenStartAgain(t *testing.T) {
	m, _, sp := newManager(t, Options{})

	_, err := m.StartSSHTunnel(spec)
	require.NoError(t, err)

	res, err := m.StopSSHTunnel("10.0.0.5", "ops")
	require.NoError(t, err)
	assert.Equal(t, tunnel.Stopped, res)
	assert.True(t, sp.procs[0].killed.Load())

	res, err = m.StopSSHTunnel("10.0.0.5", "ops")
	require.NoError(t, err)
	assert.Equal(t, tunnel.NotFound, res)

	started, err := m.StartSSHTunnel(spec)
	require.NoError(t, err)
	assert.Equal(t, tunnel.Started, started)
	assert.Len(t, sp.procs, 2)
}

func TestTunnel_ConcurrentStarts(t *testing.T) {
	m, _, sp := newManager(t, Options{})

	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := m.StartSSHTunnel(spec); err == nil && res == tunnel.Started {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, started.Load())
	assert.Len(t, sp.procs, 1)
}

func TestTunnel_Shutdown(t *testing.T) {
	m, _, sp := newManager(t, Options{})
	other := spec
	other.Host = "10.0.0.6"

	_, err := m.StartSSHTunnel(spec)
	require.NoError(t, err)
	_, err = m.StartSSHTunnel(other)
	require.NoError(t, err)
	require.Len(t, m.Tunnels(), 2)

	require.NoError(t, m.Shutdown())
	assert.Empty(t, m.Tunnels())
	for _, p := range sp.procs {
		assert.True(t, p.killed.Load())
	}
	assert.Equal(t, []string{"Tunnel not running"}, m.TunnelLogs("10.0.0.5", "ops"))
}

func TestTunnel_Validation(t *testing.T) {
	m, _, sp := newManager(t, Options{})

	_, err := m.StartSSHTunnel(types.TunnelSpec{Host: "h", LocalPort: 1, RemoteHost: "r", RemotePort: 2})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = m.StopSSHTunnel("", "ops")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, sp.procs)
}

func TestTunnel_RejectsOptionShapedUsername(t *testing.T) {
	m, _, sp := newManager(t, Options{})

	for _, user := range []string{"-oProxyCommand=touch /tmp/pwned", "ops team"} {
		bad := spec
		bad.Username = user
		res, err := m.StartSSHTunnel(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, user)
		assert.ErrorIs(t, err, remote.ErrBadTarget, user)
		assert.Empty(t, res)
	}
	assert.Empty(t, sp.procs)
	assert.Empty(t, m.Tunnels())
}

func TestStartScan_Simulated(t *testing.T) {
	m, rec, _ := newManager(t, Options{})

	require.NoError(t, m.StartScan("nginx:latest"))
	m.Wait()

	evs := rec.Events()
	require.Len(t, evs, runner.SimulatedSteps+1)
	for i, ev := range evs[:runner.SimulatedSteps] {
		assert.Equal(t, events.ScanProgress, ev.Name, "event %d", i)
	}
	assert.Equal(t, events.Complete{Status: runner.SimulatedStatus}, evs[runner.SimulatedSteps].Payload)
}

func TestStartScan_Template(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	m, rec, _ := newManager(t, Options{ScanCommand: "echo scanning {target}"})

	require.NoError(t, m.StartScan("alpine:3.20"))
	m.Wait()

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.Progress{Line: "scanning alpine:3.20"}, evs[0].Payload)
	assert.Equal(t, events.Complete{Status: "exit status 0"}, evs[1].Payload)
}

func TestStartScan_MissingBinaryReturnsImmediately(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	m, rec, _ := newManager(t, Options{ScanCommand: "/nonexistent/ironsight-scanner {target}"})

	require.NoError(t, m.StartScan("x"))
	m.Wait()

	completes := rec.Named(events.ScanComplete)
	require.Len(t, completes, 1)
	status := completes[0].Payload.(events.Complete).Status
	assert.True(t, strings.HasPrefix(status, runner.LaunchFailed), status)
}

func TestStartScanSSH_QuotesTemplate(t *testing.T) {
	m, rec, _ := newManager(t, Options{SSH: remote.SSH{Binary: fakeSSH(t)}})

	tpl := `echo 'it'"'"'s' {target}; echo "$HOME" >/dev/null`
	require.NoError(t, m.StartScanSSH("ops@host", tpl, "nginx"))
	m.Wait()

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.Progress{Line: "it's nginx"}, evs[0].Payload)
	assert.Equal(t, events.Complete{Status: "exit status 0"}, evs[1].Payload)
}

func TestStartScanSSH_TargetStaysLiteral(t *testing.T) {
	m, rec, _ := newManager(t, Options{SSH: remote.SSH{Binary: fakeSSH(t)}})

	require.NoError(t, m.StartScanSSH("ops@host", "echo {target}", "x; echo injected"))
	m.Wait()

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.Progress{Line: "x; echo injected"}, evs[0].Payload)
	assert.Equal(t, events.Complete{Status: "exit status 0"}, evs[1].Payload)
}

func TestStartScanSSH_Validation(t *testing.T) {
	m, rec, _ := newManager(t, Options{})

	cases := []struct {
		name                  string
		host, tpl, scanTarget string
	}{
		{"empty host", "", "scan {target}", "x"},
		{"no placeholder", "ops@h", "scan", "x"},
		{"option injection", "-oProxyCommand=id", "scan {target}", "x"},
		{"empty target", "ops@h", "scan {target}", " "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.StartScanSSH(tc.host, tc.tpl, tc.scanTarget)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	m.Wait()
	assert.Empty(t, rec.Events(), "rejected calls emit nothing")
}

func TestFetchRemoteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report with space.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ok":true}`), 0o600))

	m, rec, _ := newManager(t, Options{SSH: remote.SSH{Binary: fakeSSH(t)}})

	require.NoError(t, m.FetchRemoteFile("ops@host", path))
	m.Wait()

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.FileContent{Path: path, Content: `{"ok":true}`}, evs[0].Payload)
	done := evs[1].Payload.(events.FileComplete)
	assert.Equal(t, "ok", done.Status)
	require.NotNil(t, done.Code)
	assert.Equal(t, 0, *done.Code)

	assert.ErrorIs(t, m.FetchRemoteFile("ops@host", ""), ErrInvalidArgument)
}

func TestCredentials(t *testing.T) {
	m, _, _ := newManager(t, Options{})

	has, err := m.HasSSHCredential("10.0.0.5", "ops")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, m.StoreSSHCredential("10.0.0.5", "ops", "hunter2"))
	has, err = m.HasSSHCredential("10.0.0.5", "ops")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, m.DeleteSSHCredential("10.0.0.5", "ops"))
	has, err = m.HasSSHCredential("10.0.0.5", "ops")
	require.NoError(t, err)
	assert.False(t, has)

	err = m.DeleteSSHCredential("10.0.0.5", "ops")
	assert.ErrorIs(t, err, credstore.ErrNotFound)

	assert.ErrorIs(t, m.StoreSSHCredential("", "ops", "x"), ErrInvalidArgument)
}

func TestNew_DefaultsToKeyringVault(t *testing.T) {
	keyring.MockInit()
	m := New(Options{Sink: &events.Recorder{}, Logger: logging.Discard()})

	require.NoError(t, m.StoreSSHCredential("10.0.0.5", "ops", "hunter2"))
	secret, err := keyring.Get(credstore.DefaultService, "ops@10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestCredentials_VaultFailure(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	boom := errors.New("dbus unavailable")
	keyring.MockInitWithError(boom)

	_, err := m.HasSSHCredential("h", "u")
	assert.ErrorIs(t, err, boom)
	var ve *credstore.VaultError
	assert.ErrorAs(t, err, &ve)
}
