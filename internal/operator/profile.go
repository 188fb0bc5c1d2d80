package operator

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const profilerBinary = "npu-profile"

// profiler wraps the optional external profiling tool. Every failure here
// degrades to a log line; profiling never fails an inference.
type profiler struct {
	dir         string
	opName      string
	address     string
	nnID        uint32
	sessionID   int
	sessionFile string
	log         zerolog.Logger
}

// newProfiler returns nil when dir is empty (profiling disabled).
func newProfiler(dir, opName string, log zerolog.Logger) *profiler {
	if dir == "" {
		return nil
	}
	return &profiler{dir: dir, opName: opName, log: log}
}

func (p *profiler) enabled() bool { return p != nil }

func mangleOpName(name string) string {
	return strings.ReplaceAll(name, "/", "+")
}

// dumpInfo writes the serialised subgraph and the compiled artifact next to
// the future session files.
func (p *profiler) dumpInfo(graphDef, executable []byte) {
	if p == nil {
		return
	}
	base := filepath.Join(p.dir, mangleOpName(p.opName))
	if err := os.WriteFile(base+".pb", graphDef, 0644); err != nil {
		p.log.Warn().Err(err).Msg("cannot dump graph def for profiling")
	}
	if err := os.WriteFile(base+".neff", executable, 0644); err != nil {
		p.log.Warn().Err(err).Msg("cannot dump executable for profiling")
	}
}

func (p *profiler) startSession() {
	if p == nil {
		return
	}
	p.sessionFile = filepath.Join(p.dir,
		fmt.Sprintf("%s-%d-%d.ipd", mangleOpName(p.opName), p.nnID, p.sessionID))
	cmd := exec.Command(profilerBinary, "start-session",
		"-s", p.sessionFile, "-a", p.address, fmt.Sprintf("%d", p.nnID))
	if err := cmd.Run(); err != nil {
		p.log.Warn().Err(err).Str("session", p.sessionFile).
			Msg("profiler start-session failed; is the profiling tool installed?")
		p.sessionFile = ""
		return
	}
	p.sessionID++
}

func (p *profiler) stopSession() {
	if p == nil || p.sessionFile == "" {
		return
	}
	cmd := exec.Command(profilerBinary, "stop-session", "-s", p.sessionFile)
	if err := cmd.Run(); err != nil {
		p.log.Error().Err(err).Str("session", p.sessionFile).Msg("profiler stop-session failed")
	}
	p.sessionFile = ""
}
