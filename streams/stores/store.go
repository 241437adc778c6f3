// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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

/*
Package stores provides the embedded key-value stores owned by a single (topic, partition).

A Store is accessed only by the worker that currently owns the partition. Within that worker it is shared
by the processor (reads and writes) and the checkpointer (Snapshot). Implementations must therefore allow
Snapshot to run concurrently with Get/Put/Delete.
*/
package stores

import (
	"errors"
	"io"
)

var ErrStoreClosed = errors.New("store is closed")

type Store interface {
	// Returns the value for key. `found` is false if the key does not exist.
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Writes a consistent, restorable image of the store to w.
	Snapshot(w io.Writer) error
	// Loads an image produced by Snapshot. Intended for freshly created, empty stores.
	Restore(r io.Reader) error
	Close() error
}

// Logger is the subset of streams.Logger needed by store implementations.
type Logger interface {
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
