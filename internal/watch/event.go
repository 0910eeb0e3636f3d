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

// Package watch delivers filesystem change events for the session working
// directory, tracked files and pending image captures.
package watch

import "fmt"

// Handle identifies one registered watch. Handles are positive and unique
// for the lifetime of a Manager.
type Handle int32

// NoHandle is the zero Handle, never returned for a live watch.
const NoHandle Handle = 0

// Kind classifies a change event.
type Kind int

const (
	Unknown Kind = iota
	Created
	ClosedWrite
	ClosedNoWrite
	DeletedSelf
	Deleted
	Modified
	MovedSelf
	MovedFrom
	MovedTo
	Ignored
	Overflow
)

var kindNames = map[Kind]string{
	Unknown:       "unknown",
	Created:       "created",
	ClosedWrite:   "closed-write",
	ClosedNoWrite: "closed-nowrite",
	DeletedSelf:   "deleted-self",
	Deleted:       "deleted",
	Modified:      "modified",
	MovedSelf:     "moved-self",
	MovedFrom:     "moved-from",
	MovedTo:       "moved-to",
	Ignored:       "ignored",
	Overflow:      "overflow",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ChangeEvent is one decoded filesystem event.
// Name is set only for events reported by a directory watch, and is relative to that directory.
type ChangeEvent struct {
	Handle Handle
	Kind   Kind
	Name   string
	IsDir  bool
	Cookie uint32
}

func (e ChangeEvent) String() string {
	if e.Name == "" {
		return fmt.Sprintf("%s wd=%d", e.Kind, e.Handle)
	}
	return fmt.Sprintf("%s wd=%d name=%q", e.Kind, e.Handle, e.Name)
}

// Mask selects which kinds a watch reports.
type Mask uint32

const (
	OnCreate Mask = 1 << iota
	OnDelete
	OnDeleteSelf
	OnMoveSelf
	OnMove
	OnCloseWrite
	OnCloseNoWrite
	OnModify
)

const (
	// RootMask is used for the working directory itself.
	RootMask = OnCreate | OnDelete | OnDeleteSelf | OnMoveSelf | OnMove
	// FileMask is used for every tracked file.
	FileMask = OnCloseWrite | OnDeleteSelf | OnModify
	// ImageMask is used for image files awaiting capture.
	ImageMask = OnCloseWrite
)

// Backend is the kernel facing half of a Manager.
type Backend interface {
	// Add registers path and returns its handle.
	Add(path string, mask Mask) (Handle, error)
	// Remove unregisters a handle.
	Remove(h Handle) error
	// Read returns every event queued so far without blocking.
	Read() ([]ChangeEvent, error)
	// Pending reports whether events are queued, without consuming them.
	Pending() bool
	// Ready is signalled when events may be available.
	Ready() <-chan struct{}
	Close() error
}
