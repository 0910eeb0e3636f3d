// Copyright 2024 Rc2Compute Authors
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

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrNoValue       = errors.New("query returned no usable value")
	ErrWatchNotFound = errors.New("watch not found")
	ErrClosed        = errors.New("closed")
	ErrIO            = errors.New("I/O error")
)

// IOError is a failure reading, writing or stat'ing one file on disk.
// It matches ErrIO with errors.Is.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// StatError is returned when a path cannot be stat'ed before a watch is placed on it.
type StatError struct {
	Path string
	Err  error
}

func (e *StatError) Error() string {
	return fmt.Sprintf("stat failed for watch on %s: %v", e.Path, e.Err)
}

func (e *StatError) Unwrap() error { return e.Err }

// WatchError is a failure registering or removing a kernel watch.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("watch: %v", e.Err)
	}
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }

// DatabaseError carries the failed operation, the affected file (zero when
// not file specific) and the message reported by the database driver.
type DatabaseError struct {
	Op     string
	FileID int64
	Msg    string
	Err    error
}

func (e *DatabaseError) Error() string {
	if e.FileID != 0 {
		return fmt.Sprintf("failed to %s file %d: %s", e.Op, e.FileID, e.Msg)
	}
	return fmt.Sprintf("failed to %s: %s", e.Op, e.Msg)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// DecodeError is returned for a change notification payload that cannot be parsed.
type DecodeError struct {
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse db notification %q: %s", e.Payload, e.Reason)
}
