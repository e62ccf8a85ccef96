package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for captured service output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultTailLines  = 1000
)

// Config describes where a service's stdout/stderr are captured.
// When Dir is set output goes to Dir/<name>.log (both streams interleaved),
// unless StdoutPath/StderrPath name separate files. Rotation follows lumberjack
// semantics. The in-memory tail buffer is always kept.
type Config struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout,omitempty"`
	StderrPath string `json:"stderr,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
	TailLines  int    `json:"tail_lines,omitempty"` // lines kept in memory (default 1000)
}

// Merge returns c with every zero field taken from base.
func (c Config) Merge(base Config) Config {
	if c.Dir == "" {
		c.Dir = base.Dir
	}
	if c.StdoutPath == "" {
		c.StdoutPath = base.StdoutPath
	}
	if c.StderrPath == "" {
		c.StderrPath = base.StderrPath
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = base.MaxSizeMB
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = base.MaxBackups
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = base.MaxAgeDays
	}
	if !c.Compress {
		c.Compress = base.Compress
	}
	if c.TailLines == 0 {
		c.TailLines = base.TailLines
	}
	return c
}

// FilePath returns the file stdout is written to for the service, or "".
func (c Config) FilePath(name string) string {
	if c.StdoutPath != "" {
		return c.StdoutPath
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	}
	return ""
}

// Capture is the destination set for one run of a service.
type Capture struct {
	Stdout io.Writer
	Stderr io.Writer
	Buffer *RingBuffer
	files  []io.Closer
}

// Close closes the rotating file writers. The ring buffer stays readable.
func (c *Capture) Close() error {
	var first error
	for _, f := range c.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.files = nil
	return first
}

// Writers builds the capture for the named service. buf may be nil, in which
// case a fresh buffer sized by TailLines is allocated; passing the previous
// run's buffer keeps the tail continuous across restarts.
func (c Config) Writers(name string, buf *RingBuffer) *Capture {
	if buf == nil {
		buf = NewRingBuffer(valOr(c.TailLines, DefaultTailLines))
	}
	capt := &Capture{Buffer: buf}
	stdout := c.FilePath(name)
	stderr := c.StderrPath
	if stderr == "" {
		stderr = stdout
	}
	var outW, errW io.Writer = buf, buf
	if stdout != "" {
		f := c.rotating(stdout)
		capt.files = append(capt.files, f)
		outW = io.MultiWriter(f, buf)
		if stderr == stdout {
			errW = outW
		}
	}
	if stderr != "" && stderr != stdout {
		f := c.rotating(stderr)
		capt.files = append(capt.files, f)
		errW = io.MultiWriter(f, buf)
	}
	capt.Stdout, capt.Stderr = outW, errW
	return capt
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
