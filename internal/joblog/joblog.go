// Package joblog provides access to per-job append-only log files: a
// bounded historical tail and a live append-following stream. The log file
// has one writer (the supervised runner) and any number of readers; neither
// side coordinates with the other beyond append-only file semantics.
package joblog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultTailLines is the tail length used when the caller does not ask for
// a specific line count.
const DefaultTailLines = 200

// tailBlockSize is the read granularity for backward tail scans.
const tailBlockSize = 4096

// ErrBadLineCount rejects non-positive tail lengths.
var ErrBadLineCount = errors.New("jobdock: tail line count must be positive")

// OpenForAppend opens the job log for the capture side.
func OpenForAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Tail returns the last n lines of the file without reading the whole file.
// It reads backward in fixed-size blocks counting newlines until enough
// lines are buffered or the start of the file is reached. Undecodable bytes
// are replaced rather than failing, so binary noise in runner output never
// breaks a tail request.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrBadLineCount
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return []string{}, nil
	}

	var buf []byte
	off := size
	for off > 0 {
		blockStart := off - tailBlockSize
		if blockStart < 0 {
			blockStart = 0
		}
		block := make([]byte, off-blockStart)
		if _, err := f.ReadAt(block, blockStart); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(block, buf...)
		off = blockStart

		// n+1 newlines guarantee the oldest buffered line is complete.
		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}

	text := strings.ToValidUTF8(string(buf), "�")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// FollowOptions configures a live log stream.
type FollowOptions struct {
	// PollInterval is the sleep between idle polls. Defaults to 500ms.
	PollInterval time.Duration
	// StillRunning is consulted after each idle poll; the stream completes
	// normally once it reports false.
	StillRunning func(ctx context.Context) (bool, error)
}

// Follow reads the log from its start and emits each complete appended line
// until the job leaves the running state, the context is canceled, or emit
// fails. A follow started after the job already finished drains the existing
// content and returns immediately. The trailing line is emitted even without
// its newline once no more output can arrive.
func Follow(ctx context.Context, path string, opts FollowOptions, emit func(line string) error) error {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var partial []byte
	draining := false

	for {
		emitted := false
		for {
			chunk, err := reader.ReadString('\n')
			if err == nil {
				line := string(partial) + strings.TrimSuffix(chunk, "\n")
				partial = partial[:0]
				if err := emit(strings.ToValidUTF8(line, "�")); err != nil {
					return err
				}
				emitted = true
				continue
			}
			if err == io.EOF {
				// Incomplete trailing line; hold it until its newline arrives.
				partial = append(partial, chunk...)
				break
			}
			return err
		}

		if emitted {
			continue
		}

		if draining {
			if len(partial) > 0 {
				return emit(strings.ToValidUTF8(string(partial), "�"))
			}
			return nil
		}

		running, err := opts.StillRunning(ctx)
		if err != nil {
			return err
		}
		if !running {
			// Output settles before the state does, so one more read pass
			// picks up anything written since the last poll.
			draining = true
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
