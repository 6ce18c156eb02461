package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// progressSink reports fractional completion in [0,1]; the control pipe
// always receives the raw set_progress:<float> line (spec §6's wire
// contract), independent of whatever is shown on stdout.
type progressSink struct {
	pipe *pipeWriter
	bar  *progressbar.ProgressBar // nil when stdout isn't a terminal
}

// newProgressSink wires pipe's required set_progress line and, only when
// stdout is attached to a terminal, an additional human-readable bar
// (SPEC_FULL §4.10) — a piped invocation (the normal sub-process case) gets
// the raw lines alone, since a rendered bar would just be garbled escape
// sequences down a pipe.
func newProgressSink(pipe *pipeWriter) *progressSink {
	s := &progressSink{pipe: pipe}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		s.bar = progressbar.NewOptions(1000,
			progressbar.OptionSetDescription("applying update"),
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return s
}

func (s *progressSink) report(frac float64) {
	s.pipe.progress(frac)
	if s.bar != nil {
		_ = s.bar.Set(int(frac * 1000))
	}
}

func (s *progressSink) finish() {
	if s.bar != nil {
		_ = s.bar.Finish()
	}
}
