package tunnel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"

	"github.com/hegde-atri/ironsight/internal/logging"
	"github.com/hegde-atri/ironsight/internal/remote"
	"github.com/hegde-atri/ironsight/internal/types"
)

// maxLogLines is how much stderr each tunnel keeps.
const maxLogLines = 100

// ExecProcess is a Process backed by os/exec. A goroutine reaps the child
// as soon as it exits so Wait can be called any number of times. Stderr is
// drained by a second goroutine; Wait does not depend on it, so
// descendants that inherited the pipe cannot hold up a stop.
type ExecProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	mu   sync.RWMutex
	logs []string
}

// StartProcess starts argv and returns it as a Process. Anything the child
// writes to stderr is kept (last 100 lines) and logged at debug level.
func StartProcess(argv []string, logger *clog.Logger) (*ExecProcess, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p := &ExecProcess{
		done: make(chan struct{}),
		logs: make([]string, 0, maxLogLines),
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = pw
	p.cmd = cmd

	err = cmd.Start()
	// the child holds its own copy of the write end
	pw.Close()
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	stderr := &logging.LineWriter{
		Logger: logging.Or(logger),
		Prefix: "tunnel stderr",
		Fields: []interface{}{"pid", cmd.Process.Pid},
		OnLine: func(line string) { p.appendLog("[ERR] " + line) },
	}
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(stderr, pr)
		stderr.Flush()
		pr.Close()
		close(drained)
	}()

	go func() {
		state, err := cmd.Process.Wait()
		switch {
		case err != nil:
			p.err = err
		case !state.Success():
			p.err = &exec.ExitError{ProcessState: state}
		}
		close(p.done)

		<-drained
		if p.err != nil {
			p.appendLog(fmt.Sprintf("[ERR] Process exited: %v", p.err))
		}
	}()

	return p, nil
}

func (p *ExecProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ExecProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *ExecProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *ExecProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Logs returns a copy of the retained stderr lines.
func (p *ExecProcess) Logs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	logsCopy := make([]string, len(p.logs))
	copy(logsCopy, p.logs)
	return logsCopy
}

func (p *ExecProcess) appendLog(line string) {
	p.mu.Lock()
	p.logs = append(p.logs, line)
	if len(p.logs) > maxLogLines {
		p.logs = p.logs[len(p.logs)-maxLogLines:]
	}
	p.mu.Unlock()
}

// SSHSpawner builds SpawnFuncs that run the system ssh client.
type SSHSpawner struct {
	SSH    remote.SSH
	Logger *clog.Logger
}

// SpawnFunc returns a SpawnFunc opening the forward described by spec.
func (s SSHSpawner) SpawnFunc(spec types.TunnelSpec) SpawnFunc {
	return func() (Process, error) {
		argv := s.SSH.TunnelArgs(spec)
		logging.Or(s.Logger).Debug("spawning tunnel", "key", spec.Key(), "argv", strings.Join(argv, " "))
		p, err := StartProcess(argv, s.Logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
