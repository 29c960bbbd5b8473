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

package page

import (
	"kmm.dev/kmm/pkg/hostarch"
)

// List is an intrusive FIFO of frames linked through their descriptors. A
// frame may be on at most one List at a time.
//
// The zero value is not usable; see NewList.
type List struct {
	db   *DB
	head Frame
	tail Frame
	len  int
}

// NewList returns an empty list of frames from db.
func NewList(db *DB) List {
	return List{db: db, head: noFrame, tail: noFrame}
}

// Len returns the number of frames on the list.
func (l *List) Len() int {
	return l.len
}

// Empty returns true if the list is empty.
func (l *List) Empty() bool {
	return l.len == 0
}

// PushBack appends the frame at phys.
func (l *List) PushBack(phys hostarch.PhysAddr) {
	f := FrameOf(phys)
	p := l.db.lookup(f)
	if p.next != noFrame || l.tail == f {
		panic("frame " + phys.String() + " is already on a list")
	}
	if l.tail == noFrame {
		l.head = f
	} else {
		l.db.lookup(l.tail).next = f
	}
	l.tail = f
	l.len++
}

// PopFront removes and returns the first frame. ok is false if the list is
// empty.
func (l *List) PopFront() (phys hostarch.PhysAddr, ok bool) {
	if l.head == noFrame {
		return 0, false
	}
	f := l.head
	p := l.db.lookup(f)
	l.head = p.next
	p.next = noFrame
	if l.head == noFrame {
		l.tail = noFrame
	}
	l.len--
	return f.Phys(), true
}
