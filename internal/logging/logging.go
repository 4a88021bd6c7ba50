// Package logging provides the process-wide logger used throughout cumulus.
//
// Grounded on mmp-bk/util.Logger: independent gating of debug/verbose
// output, a shared error counter (NErrors), and
// Check/CheckError helpers that treat a failed invariant as fatal.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger is a simple logging system with a few independent levels;
// debugging and verbose output may each be suppressed independently.
type Logger struct {
	NErrors int

	mu      sync.Mutex
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

// New returns a Logger with warnings and errors always enabled, and debug
// or verbose output enabled per the given flags.
func New(verbose, debug bool) *Logger {
	l := &Logger{
		warning: os.Stderr,
		err:     os.Stderr,
	}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

// Fatal logs the message as an error and terminates the process with exit
// status 1. Used for the fatal conditions enumerated in spec §7: schema
// mismatch, subprocess failure, non-OK upload response, TAR write error.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
	l.mu.Unlock()
	os.Exit(1)
}

// Check calls Fatal if v is false.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	if len(msg) == 0 {
		l.Fatal("check failed\n")
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}

// CheckError calls Fatal if err is non-nil.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if len(msg) == 0 {
		l.Fatal("error: %+v\n", err)
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}

func format(f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(2)
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-28s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
