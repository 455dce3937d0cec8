package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var backend = false
var breakpoints = false
var fnCall = false
var ptrace = false
var stops = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = defaultOut()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

func defaultOut() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorableStderr()
	}
	return os.Stderr
}

// Backend returns true if the target layer (register cache, stop
// classification) should log.
func Backend() bool {
	return backend
}

// BackendLogger returns a logger for the target layer.
func BackendLogger() Logger {
	return makeFlaggableLogger(backend, Fields{"layer": "proc"})
}

// Breakpoints returns true if breakpoint table mutations should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "proc", "kind": "breakpoints"})
}

// FnCall returns true if the call injection protocol should be logged.
func FnCall() bool {
	return fnCall
}

func FnCallLogger() Logger {
	return makeFlaggableLogger(fnCall, Fields{"layer": "proc", "kind": "fncall"})
}

// Ptrace returns true if every ptrace request issued by the native
// backend should be logged.
func Ptrace() bool {
	return ptrace
}

func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "native"})
}

// Stops returns true if the classification of every stop should be logged.
func Stops() bool {
	return stops
}

func StopsLogger() Logger {
	return makeFlaggableLogger(stops, Fields{"layer": "proc", "kind": "stop"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "x86backend-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "backend"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "backend":
			backend = true
		case "breakpoints":
			breakpoints = true
		case "fncall":
			fnCall = true
		case "ptrace":
			ptrace = true
		case "stops":
			stops = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct{}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := new(strings.Builder)
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for _, k := range []string{"layer", "kind"} {
		if v, ok := entry.Data[k].(string); ok {
			b.WriteString(v)
			b.WriteByte(' ')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
