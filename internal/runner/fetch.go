package runner

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"

	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/logging"
)

// Fetch runs argv to completion and reports its whole stdout as the
// content of path, followed by remote-file-complete. A process that ran
// but exited non-zero still counts as "ok" and carries its exit code; only
// a failure to run it at all is reported as "error".
func (r *Runner) Fetch(id string, argv []string, path string) {
	log := r.log.With("op", id, "path", path)

	if len(argv) == 0 {
		r.sink.Emit(events.RemoteFileComplete, events.FileComplete{Status: "error", Error: "empty command"})
		return
	}

	var stdout bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	stderr := &logging.LineWriter{Logger: log, Prefix: "stderr"}
	cmd.Stderr = stderr

	err := cmd.Run()
	stderr.Flush()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		log.Warn("fetch failed", "err", err)
		r.sink.Emit(events.RemoteFileComplete, events.FileComplete{Status: "error", Error: err.Error()})
		return
	}

	content := strings.ToValidUTF8(stdout.String(), "\uFFFD")
	r.sink.Emit(events.RemoteFileContent, events.FileContent{Path: path, Content: content})

	done := events.FileComplete{Status: "ok"}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		done.Code = &code
	}
	log.Info("fetched", "bytes", stdout.Len(), "status", cmd.ProcessState.String())
	r.sink.Emit(events.RemoteFileComplete, done)
}
