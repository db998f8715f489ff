// Package logfile implements the per-process log pipeline: a line copier
// from child pipes into append files, size-based rotation, backwards tail
// reads, and live fan-out to log followers.
package logfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pm3/pm3/internal/common/logger"
)

const (
	// RotationSize is the rotation threshold for a current log file.
	RotationSize = 10 * 1024 * 1024

	// RotationKeep is how many rotated siblings (.1 .. .K) are retained.
	RotationKeep = 3

	// tailChunk is the read granularity for backwards tail scans.
	tailChunk = 8192
)

// Tail returns the last n newline-separated records of the file, in order.
// A missing file yields no lines; a file that does not end with '\n' still
// yields its trailing partial line.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	// Scan backwards in chunks counting newlines. The offset just past the
	// (n+1)-th newline from the end is where the last n lines start.
	var startOffset int64
	newlines := 0
	pos := size

scan:
	for pos > 0 {
		readStart := pos - tailChunk
		if readStart < 0 {
			readStart = 0
		}
		buf := make([]byte, pos-readStart)
		if _, err := file.ReadAt(buf, readStart); err != nil {
			return nil, err
		}
		for i := len(buf) - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				newlines++
				if newlines > n {
					startOffset = readStart + int64(i) + 1
					break scan
				}
			}
		}
		pos = readStart
	}

	if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	// A trailing partial line makes the window one line longer; keep the last n.
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Rotate shifts rotated siblings and renames the current file to ".1":
// ".K" is removed, ".i" becomes ".(i+1)" for i in K-1..1, current becomes ".1".
func Rotate(path string, keep int) error {
	oldest := rotatedPath(path, keep)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}

	for i := keep - 1; i >= 1; i-- {
		from := rotatedPath(path, i)
		to := rotatedPath(path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, rotatedPath(path, 1)); err != nil {
			return err
		}
	}

	return nil
}

func rotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Copier reads child output line by line, appends to the log file with
// rotation, and broadcasts trimmed lines to live subscribers.
type Copier struct {
	name        string
	stream      Stream
	logPath     string
	dateFormat  string
	broadcaster *Broadcaster
	log         *logger.Logger
}

// NewCopier builds a copier for one pipe of one process.
func NewCopier(name string, stream Stream, logPath, dateFormat string, b *Broadcaster, log *logger.Logger) *Copier {
	return &Copier{
		name:        name,
		stream:      stream,
		logPath:     logPath,
		dateFormat:  dateFormat,
		broadcaster: b,
		log:         log.WithProcess(name).WithFields(zap.String("stream", string(stream))),
	}
}

// Spawn runs the copier on its own goroutine until the pipe reaches EOF.
func (c *Copier) Spawn(r io.Reader) {
	go func() {
		if err := c.Run(r); err != nil {
			c.log.Error("log copier failed", zap.Error(err))
		}
	}()
}

// Run copies until EOF. Exposed for tests.
func (c *Copier) Run(r io.Reader) error {
	file, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	var byteCount int64
	if info, err := file.Stat(); err == nil {
		byteCount = info.Size()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		formatted := line + "\n"
		if c.dateFormat != "" {
			formatted = FormatTimestamp(c.dateFormat, time.Now()) + " | " + formatted
		}

		if byteCount+int64(len(formatted)) > RotationSize {
			if err := file.Close(); err != nil {
				return err
			}
			if err := Rotate(c.logPath, RotationKeep); err != nil {
				return err
			}
			file, err = os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			byteCount = 0
		}

		if _, err := file.WriteString(formatted); err != nil {
			file.Close()
			return err
		}
		byteCount += int64(len(formatted))

		c.broadcaster.Publish(Entry{Stream: c.stream, Line: strings.TrimRight(line, "\r\n")})
	}

	if err := file.Close(); err != nil {
		return err
	}
	return scanner.Err()
}
