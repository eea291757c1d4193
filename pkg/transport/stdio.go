// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StdioTransport speaks newline-delimited JSON-RPC over a subprocess's
// stdin/stdout, per §4.4. It uses a manually growing bufio.Reader rather than
// bufio.Scanner because app-server messages can carry base64 image payloads
// well past Scanner's default token-size ceiling.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	logger *zap.Logger

	writeMu sync.Mutex
}

// NewStdioTransport spawns command and wires its stdio into a ByteStream.
// Stderr is drained to the logger in the background so the subprocess is
// never blocked on a full pipe.
func NewStdioTransport(cmd *exec.Cmd, logger *zap.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start app server: %w", err)
	}

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		logger: logger,
	}

	go t.monitorStderr(stderr)

	return t, nil
}

func (t *StdioTransport) monitorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		t.logger.Debug("app server stderr", zap.String("line", scanner.Text()))
	}
}

// Send writes one newline-terminated JSON message to stdin.
func (t *StdioTransport) Send(ctx context.Context, message []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := t.stdin.Write(append(message, '\n'))
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Receive reads the next newline-terminated message from stdout. Lines are
// read with ReadBytes rather than a fixed-size Scanner buffer so an
// arbitrarily large image payload never fails with "token too long".
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := t.reader.ReadBytes('\n')
		done <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil && len(r.line) == 0 {
			return nil, r.err
		}
		return trimNewline(r.line), nil
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Close asks the subprocess to terminate, waits up to five seconds, then
// kills it (§4.4).
func (t *StdioTransport) Close() error {
	_ = t.stdin.Close()

	if t.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	_ = t.cmd.Process.Signal(osInterrupt())

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		_ = t.cmd.Process.Kill()
		<-done
		return nil
	}
}
