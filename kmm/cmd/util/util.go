// Copyright 2026 The gVisor Authors.
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

// Package util groups a bunch of common helpers used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"kmm.dev/kmm/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by scripts that drive kmm, so they are written as JSON.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	// Custom commands use stdout to print their output.
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// errorf logs the error to the debug log, to stderr, and to ErrorLogger.
func errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)

	fmt.Fprintln(os.Stderr, msg)

	if ErrorLogger != nil {
		writeError(ErrorLogger, msg)
	}
}

func writeError(w io.Writer, msg string) {
	b, err := json.Marshal(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   msg,
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(append(b, '\n'))
}

// Fatalf logs the same way as errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}
