// Package utils provides utility functions and types shared by the DriftFS
// server and client daemon.
package utils

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// LogInterceptor is an io.Writer that prefixes each complete line with a
// sequence number and timestamp before passing it on. The daemon wraps
// its log file with it so interleaved process output stays orderable.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeLine(line []byte) (int, error) {
	written := 0

	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	n, err := io.WriteString(i.target, prefix)
	written += n
	if err != nil {
		return written, err
	}

	n, err = i.target.Write(line)
	return written + n, err
}

// Write buffers the input and emits every complete line it finds. Bytes
// after the last newline stay buffered until the next Write or Close.
func (i *LogInterceptor) Write(p []byte) (n int, err error) {
	if _, err = i.buf.Write(p); err != nil {
		return 0, err
	}

	written := 0
	scanner := bufio.NewScanner(&i.buf)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		n, err = i.writeLine(scanner.Bytes())
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close flushes whatever is still buffered as a final line.
func (i *LogInterceptor) Close() error {
	if i.buf.Len() == 0 {
		return nil
	}
	_, err := i.writeLine(i.buf.Bytes())
	i.buf.Reset()
	return err
}
