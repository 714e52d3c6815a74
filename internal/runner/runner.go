// Package runner executes one external operation and reports its output
// as an ordered event stream.
//
// A Runner never returns an operation failure to its caller. Launch errors,
// non-zero exits and unreadable output all end up in the terminal event.
package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	clog "github.com/charmbracelet/log"

	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/logging"
)

// Launch-failure markers used as the terminal status.
const (
	LaunchFailed    = "failed to launch"
	SSHLaunchFailed = "failed to launch ssh"
	SimulatedStatus = "simulated"
)

// Simulation defaults for environments without a configured scanner.
const (
	SimulatedSteps    = 5
	SimulatedInterval = 400 * time.Millisecond
)

// Runner emits events for processes it starts.
type Runner struct {
	sink events.Sink
	log  *clog.Logger

	// Interval between synthetic progress events in Simulate.
	SimulatedInterval time.Duration
}

// New returns a Runner emitting to sink. A nil logger uses the package logger.
func New(sink events.Sink, logger *clog.Logger) *Runner {
	if sink == nil {
		sink = events.Discard
	}
	return &Runner{
		sink:              sink,
		log:               logging.Or(logger),
		SimulatedInterval: SimulatedInterval,
	}
}

// Stream runs argv, emitting one scan-progress event per stdout line and
// a single scan-complete event once the process is gone. launchFailure is
// the status reported when the process cannot be started.
func (r *Runner) Stream(id string, argv []string, launchFailure string) {
	log := r.log.With("op", id)

	if len(argv) == 0 {
		r.sink.Emit(events.ScanComplete, events.Complete{Status: launchFailure})
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stderr := &logging.LineWriter{Logger: log, Prefix: "stderr"}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("failed to create stdout pipe", "err", err)
		r.sink.Emit(events.ScanComplete, events.Complete{Status: launchFailure})
		return
	}

	if err := cmd.Start(); err != nil {
		log.Warn("failed to start", "cmd", argv[0], "err", err)
		r.sink.Emit(events.ScanComplete, events.Complete{Status: launchFailure})
		return
	}
	log.Debug("started", "cmd", argv[0], "pid", cmd.Process.Pid)

	lines := r.forwardLines(stdout, log)

	// Wait only after stdout hit EOF; it closes the pipe.
	waitErr := cmd.Wait()
	stderr.Flush()
	status := describeExit(cmd, waitErr)
	if code := exitCode(cmd); code == 126 || code == 127 {
		status = launchFailure + " (" + status + ")"
	}

	log.Info("finished", "status", status, "lines", lines)
	r.sink.Emit(events.ScanComplete, events.Complete{Status: status})
}

// forwardLines reads stdout to EOF. Lines that are not valid UTF-8 are
// skipped; a read error ends the stream early.
func (r *Runner) forwardLines(stdout io.Reader, log *clog.Logger) int {
	br := bufio.NewReader(stdout)
	n := 0
	for {
		raw, err := br.ReadString('\n')
		if len(raw) > 0 {
			line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
			if utf8.ValidString(line) {
				r.sink.Emit(events.ScanProgress, events.Progress{Line: line})
				n++
			} else {
				log.Debug("skipping undecodable line", "bytes", len(raw))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("stdout read failed", "err", err)
				// drain so the child is not blocked on a full pipe
				_, _ = io.Copy(io.Discard, br)
			}
			return n
		}
	}
}

// Simulate stands in for a scan when no scanner command is configured.
func (r *Runner) Simulate(id string) {
	for i := 1; i <= SimulatedSteps; i++ {
		r.sink.Emit(events.ScanProgress, events.Progress{Line: simulatedLine(i)})
		time.Sleep(r.SimulatedInterval)
	}
	r.log.Debug("simulated scan finished", "op", id)
	r.sink.Emit(events.ScanComplete, events.Complete{Status: SimulatedStatus})
}

func simulatedLine(i int) string {
	return fmt.Sprintf("simulated progress %d/%d", i, SimulatedSteps)
}

// describeExit renders the exit of a finished Cmd ("exit status 0",
// "signal: killed").
func describeExit(cmd *exec.Cmd, waitErr error) string {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.String()
	}
	if waitErr != nil {
		return "wait failed: " + waitErr.Error()
	}
	return "unknown"
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
