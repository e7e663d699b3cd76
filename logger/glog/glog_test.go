// Go support for leveled logs, analogous to https://code.google.com/p/google-glog/
//
// Copyright 2013 Google Inc. All Rights Reserved.
// Modifications copyright 2017 ETC Dev Team. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file keeps only the glog_test.go cases exercising the surface this
// module's own call sites actually drive: leveled Info/Error/Warning
// emission, V()-gating, and vmodule pattern matching (Errorf/Warningf/V,
// used throughout kadcast/*.go, and GetVModule, used by cmd/kadcast). The upstream file also covers
// glog's own file-rotation, backtrace-at-line, and D()/display-logger
// machinery, none of which this repo's logging path (plain os.File writers
// via logger.go, never glog's rotating file writer) ever reaches.

package glog

import (
	"bytes"
	"strings"
	"testing"
)

// flushBuffer wraps a bytes.Buffer to satisfy flushSyncWriter.
type flushBuffer struct {
	bytes.Buffer
}

func (f *flushBuffer) Flush() error {
	return nil
}

func (f *flushBuffer) Sync() error {
	return nil
}

// swapLogging sets the log writers and returns the old array.
func (l *loggingT) swapLogging(writers [numSeverity]flushSyncWriter) (old [numSeverity]flushSyncWriter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old = l.file
	for i, w := range writers {
		logging.file[i] = w
	}
	return
}

// newLoggingBuffers sets the log writers to all new byte buffers and returns the old array.
func (l *loggingT) newLoggingBuffers() [numSeverity]flushSyncWriter {
	return l.swapLogging([numSeverity]flushSyncWriter{new(flushBuffer), new(flushBuffer), new(flushBuffer), new(flushBuffer)})
}

// loggingContents returns the specified log value as a string.
func loggingContents(s severity) string {
	return logging.file[s].(*flushBuffer).String()
}

// loggingContains reports whether the string is contained in the log.
func loggingContains(s severity, str string, t *testing.T) bool {
	return strings.Contains(loggingContents(s), str)
}

// setFlags configures the logging flags how the test expects them.
func setFlags() {
	logging.toStderr = false
	display.toStderr = false
}

// Test that Info works as advertised.
func TestInfo(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	Info("test")
	if !loggingContains(infoLog, "I", t) {
		t.Errorf("Info has wrong character: %q", loggingContents(infoLog))
	}
	if !loggingContains(infoLog, "test", t) {
		t.Error("Info failed")
	}
}

// Test that an Error log goes to Warning and Info.
// Even in the Info log, the source character will be E, so the data should
// all be identical.
func TestError(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	Error("test")
	if !loggingContains(errorLog, "E", t) {
		t.Errorf("Error has wrong character: %q", loggingContents(errorLog))
	}
	if !loggingContains(errorLog, "test", t) {
		t.Error("Error failed")
	}
	str := loggingContents(errorLog)
	if !loggingContains(warningLog, str, t) {
		t.Error("Warning failed")
	}
	if !loggingContains(infoLog, str, t) {
		t.Error("Info failed")
	}
}

// Test that a Warning log goes to Info.
// Even in the Info log, the source character will be W, so the data should
// all be identical.
func TestWarningLogging(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	Warning("test")
	if !loggingContains(warningLog, "W", t) {
		t.Errorf("Warning has wrong character: %q", loggingContents(warningLog))
	}
	if !loggingContains(warningLog, "test", t) {
		t.Error("Warning failed")
	}
	str := loggingContents(warningLog)
	if !loggingContains(infoLog, str, t) {
		t.Error("Info failed")
	}
}

// Test that a V log goes to Info.
func TestV(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	logging.verbosity.Set("2")
	defer logging.verbosity.Set("0")
	V(2).Info("test")
	if !loggingContains(infoLog, "I", t) {
		t.Errorf("Info has wrong character: %q", loggingContents(infoLog))
	}
	if !loggingContains(infoLog, "test", t) {
		t.Error("Info failed")
	}
}

// Test that a vmodule enables a log in this file.
func TestVmoduleOn(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	logging.vmodule.Set("glog_test.go=2")
	defer logging.vmodule.Set("")
	if !V(1) {
		t.Error("V not enabled for 1")
	}
	if !V(2) {
		t.Error("V not enabled for 2")
	}
	if V(3) {
		t.Error("V enabled for 3")
	}
	V(2).Info("test")
	if !loggingContains(infoLog, "I", t) {
		t.Errorf("Info has wrong character: %q", loggingContents(infoLog))
	}
	if !loggingContains(infoLog, "test", t) {
		t.Error("Info failed")
	}
}

// Test that a vmodule of another file does not enable a log in this file.
func TestVmoduleOff(t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	logging.vmodule.Set("notthisfile=2")
	defer logging.vmodule.Set("")
	for i := 1; i <= 3; i++ {
		if V(Level(i)) {
			t.Errorf("V enabled for %d", i)
		}
	}
	V(2).Info("test")
	if loggingContents(infoLog) != "" {
		t.Error("V logged incorrectly")
	}
}

var patternTests = []struct{ input, want string }{
	{"foo/bar/x.go", ".*/foo/bar/x\\.go$"},
	{"foo/*/x.go", ".*/foo(/.*)?/x\\.go$"},
	{"foo/*", ".*/foo(/.*)?/[^/]+\\.go$"},
}

func TestCompileModulePattern(t *testing.T) {
	for _, test := range patternTests {
		re, err := compileModulePattern(test.input)
		if err != nil {
			t.Fatalf("%s: %v", test.input, err)
		}
		if re.String() != test.want {
			t.Errorf("mismatch for %q: got %q, want %q", test.input, re.String(), test.want)
		}
	}
}

// vGlobs are patterns that match/don't match this file at V=2.
var vGlobs = map[string]bool{
	// Easy to test the numeric match here.
	"glog_test.go=1": false, // If -vmodule sets V to 1, V(2) will fail.
	"glog_test.go=2": true,
	"glog_test.go=3": true, // If -vmodule sets V to 3, V(2) will succeed.

	// Import path prefix matching
	"logger/glog=1": false,
	"logger/glog=2": true,
	"logger/glog=3": true,

	// Import path glob matching
	"logger/*=1": false,
	"logger/*=2": true,
	"logger/*=3": true,

	// These all use 2 and check the patterns.
	"*=2": true,
}

// Test that vmodule globbing works as advertised.
func testVmoduleGlob(pat string, match bool, t *testing.T) {
	setFlags()
	defer logging.swapLogging(logging.newLoggingBuffers())
	defer logging.vmodule.Set("")
	logging.vmodule.Set(pat)
	if V(2) != Verbose(match) {
		t.Errorf("incorrect match for %q: got %t expected %t", pat, V(2), match)
	}
}

// Test that a vmodule globbing works as advertised.
func TestVmoduleGlob(t *testing.T) {
	for glob, match := range vGlobs {
		testVmoduleGlob(glob, match, t)
	}
}
