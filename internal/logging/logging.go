// Package logging builds the leveled console/file logger the proxy hands
// to every other component. It adapts github.com/rs/zerolog to the
// ALL/INFO/WARN/ERROR/NONE scale the configuration file speaks.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the configuration file's logLevel values. ALL is the most
// verbose; NONE disables logging entirely.
type Level int

const (
	LevelAll Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// ParseLevel maps a configuration string onto a Level. Unknown values fall
// back to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "ALL":
		return LevelAll
	case "INFO":
		return LevelInfo
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "NONE":
		return LevelNone
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelAll:
		return zerolog.TraceLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelNone:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Options controls where log output goes and how verbose it is.
type Options struct {
	Level       Level
	ToConsole   bool
	FilePath    string // empty disables file logging
	FileName    string
}

// New builds a zerolog.Logger that fans out to the console and/or a log
// file per Options. The file handle is opened append-only; the teacher's
// pack carries no log-rotation dependency, so rotation is intentionally
// left to an external tool (e.g. logrotate) rather than reinvented here.
func New(opts Options) (zerolog.Logger, func() error, error) {
	writers := make([]io.Writer, 0, 2)
	closer := func() error { return nil }

	if opts.ToConsole {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if opts.FilePath != "" {
		name := opts.FileName
		if name == "" {
			name = "resource-proxy.log"
		}
		full := opts.FilePath + string(os.PathSeparator) + name
		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, closer, err
		}
		writers = append(writers, f)
		closer = f.Close
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	mw := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(mw).Level(opts.Level.zerolog()).With().Timestamp().Logger()
	return logger, closer, nil
}
