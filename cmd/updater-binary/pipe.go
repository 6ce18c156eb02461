package main

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// pipeWriter serializes every "%s:%s\n" line the running updater posts back
// to its parent over the control pipe (spec §6; UpdaterEnv::PostMessage's
// fprintf+fflush pair in update_processor.cpp), flushing after each line so
// the parent observes progress incrementally rather than only at exit.
type pipeWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newPipeWriter(w io.Writer) *pipeWriter {
	return &pipeWriter{w: bufio.NewWriter(w)}
}

func (p *pipeWriter) post(cmd, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s:%s\n", cmd, content)
	p.w.Flush()
}

func (p *pipeWriter) progress(frac float64) { p.post("set_progress", fmt.Sprintf("%f", frac)) }
func (p *pipeWriter) uiLog(msg string)       { p.post("ui_log", msg) }
func (p *pipeWriter) retryTag(tag, info string) { p.post(tag, info) }

// result writes the terminal subProcessResult line (ScopeGuard's deferred
// write in the original — always the last line, whatever the exit path).
func (p *pipeWriter) result(code int) { p.post("subProcessResult", fmt.Sprintf("%d", code)) }
