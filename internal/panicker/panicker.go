// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package panicker implements the core's one fatal-error policy: oracle
// allocation failure and commit-log write/barrier failure are not retried
// and not swallowed, they log a fatal event and terminate the process so
// cluster coordination can fail this node over to another one.
//
// This mirrors Apache Omid's Panicker interface and the
// FatalExceptionHandler it installs on the request processor's disruptor
// consumer, re-expressed with pingcap/log over zap instead of a
// checked-exception handler class.
package panicker

import (
	"os"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Panicker stops the process after logging a fatal event. Implementations
// must not return.
type Panicker interface {
	Panic(msg string, fields ...zap.Field)
}

// Default logs via the global pingcap/log logger and calls os.Exit(1). It is
// the Panicker every production wiring uses; tests substitute a Recording
// Panicker so a fatal condition can be asserted on instead of killing the
// test binary.
type Default struct{}

func (Default) Panic(msg string, fields ...zap.Field) {
	log.Fatal("PANIC: "+msg, fields...)
	log.Sync()
	os.Exit(1)
}

// Recording never exits; it records the panic so tests can assert on it.
// Not safe for concurrent use by more than one goroutine calling Panic,
// which matches how it's used: each stage has exactly one consumer thread.
type Recording struct {
	Panicked bool
	Message  string
}

func (r *Recording) Panic(msg string, fields ...zap.Field) {
	r.Panicked = true
	r.Message = msg
}
