// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kadcast/overlay/logger/glog"
)

// LogLevel is an alias for glog.Level, so callers can write
// glog.V(logger.Detail) without a conversion, matching the severities
// logged throughout this codebase.
type LogLevel = glog.Level

const (
	Silence LogLevel = iota
	Error
	Warn
	Info
	Debug
	Detail
	Ridiculousness
)

// LogMsg is one formatted line handed to every registered LogSystem.
type LogMsg struct {
	Level LogLevel
	Text  string
	Time  time.Time
}

// LogSystem receives every log line at or below its configured level.
type LogSystem interface {
	LogPrint(LogMsg)
}

var (
	logSystemsMu sync.RWMutex
	logSystems   []LogSystem
)

// AddLogSystem registers sys to receive every subsequently printed line.
func AddLogSystem(sys LogSystem) {
	logSystemsMu.Lock()
	logSystems = append(logSystems, sys)
	logSystemsMu.Unlock()
}

func broadcast(msg LogMsg) {
	logSystemsMu.RLock()
	defer logSystemsMu.RUnlock()
	for _, sys := range logSystems {
		sys.LogPrint(msg)
	}
}

type stdLogSystem struct {
	mu    sync.Mutex
	out   io.Writer
	level LogLevel
}

// NewStdLogSystem returns a LogSystem that writes lines at or below level to
// w, one per call, plain-text.
func NewStdLogSystem(w io.Writer, flags int, level LogLevel) LogSystem {
	return &stdLogSystem{out: w, level: level}
}

func (s *stdLogSystem) LogPrint(msg LogMsg) {
	if msg.Level > s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, msg.Text)
}

type mlogSystem struct {
	stdLogSystem
	withTimestamp bool
}

// NewMLogSystem returns a LogSystem tuned for structured mlog lines,
// optionally prefixing each with an RFC3339 timestamp.
func NewMLogSystem(w io.Writer, flags int, level LogLevel, withTimestamp bool) LogSystem {
	return &mlogSystem{stdLogSystem: stdLogSystem{out: w, level: level}, withTimestamp: withTimestamp}
}

func (s *mlogSystem) LogPrint(msg LogMsg) {
	if msg.Level > s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withTimestamp {
		fmt.Fprintf(s.out, "%s %s\n", msg.Time.Format(time.RFC3339Nano), msg.Text)
		return
	}
	fmt.Fprintln(s.out, msg.Text)
}

type jsonLogSystem struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJsonLogSystem returns a LogSystem that writes one JSON object per line
// to w.
func NewJsonLogSystem(w io.Writer) LogSystem {
	return &jsonLogSystem{enc: json.NewEncoder(w)}
}

func (s *jsonLogSystem) LogPrint(msg LogMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(msg)
}

// Logger is a tagged emitter used by the mlog component registry
// (mlog_file.go): each active component gets one, and Sendf fans a
// pre-formatted line out to every registered LogSystem.
type Logger struct {
	tag string
}

// NewLogger builds a Logger tagged with component, used as the receiver for
// an mlogComponent's registered output.
func NewLogger(component string) *Logger {
	return &Logger{tag: component}
}

// Sendf formats args into format and broadcasts the result at level to
// every registered LogSystem. calldepth is accepted for source
// compatibility with glog's call-site tracking but is not used here, since
// mlog lines carry no file:line trace.
func (l *Logger) Sendf(calldepth int, format string, args ...interface{}) {
	text := format
	if len(args) > 0 {
		text = fmt.Sprintf(format, args...)
	}
	broadcast(LogMsg{Level: Info, Text: "[" + l.tag + "] " + text, Time: time.Now()})
}
