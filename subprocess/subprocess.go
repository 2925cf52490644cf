// Package subprocess runs external tools with their output streamed line by
// line back to the caller, which is how yt-dlp progress gets parsed while
// the download is still running.
package subprocess

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-api/log"
)

// streamOutput pumps src into sink one line at a time until EOF, including
// a trailing line with no newline. Carriage returns are stripped so sinks
// see the same lines on \n and \r\n output.
func streamOutput(src io.Reader, sink func(line string)) {
	r := bufio.NewReader(src)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			sink(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.LogNoRequestID("streamOutput read error", "err", err)
			return
		}
	}
}

// Run starts cmd and feeds every stdout line to onStdout and every stderr
// line to onStderr. The two sinks are invoked from separate goroutines and
// must be safe to call concurrently with each other. Run returns after the
// process exits and both pipes are drained.
func Run(cmd *exec.Cmd, onStdout, onStderr func(line string)) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamOutput(stdoutPipe, onStdout)
	}()
	go func() {
		defer wg.Done()
		streamOutput(stderrPipe, onStderr)
	}()
	wg.Wait()
	return cmd.Wait()
}
