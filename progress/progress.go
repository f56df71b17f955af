/*
Copyright The Flatpak Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package progress tracks the transmission of blobs during pulls and
// mirrors. Interactive front-ends implement Tracker to drive an
// overwriting progress line; a nil Tracker is always accepted and
// discards all updates.
package progress

import "io"

// State is the state of a transmission.
type State int

const (
	StateInitialized State = iota
	StateTransmitting
	StateTransmitted
	StateFailed
)

// Status is a point-in-time snapshot of a transmission.
type Status struct {
	// State of the transmission.
	State State

	// Offset is the number of bytes transmitted so far. Negative
	// offsets are discarded by consumers.
	Offset int64

	// Total is the expected size in bytes, or zero when unknown.
	Total int64
}

// Tracker receives status updates for one transmission.
type Tracker interface {
	// Update reports the latest status.
	Update(status Status)

	// Fail reports a terminal error.
	Fail(err error)
}

// Start reports the beginning of a transmission of the given total
// size. Safe to call with a nil tracker.
func Start(t Tracker, total int64) {
	if t != nil {
		t.Update(Status{State: StateInitialized, Offset: -1, Total: total})
	}
}

// Done reports a completed transmission. Safe to call with a nil
// tracker.
func Done(t Tracker) {
	if t != nil {
		t.Update(Status{State: StateTransmitted, Offset: -1})
	}
}

// Fail reports a failed transmission. Safe to call with a nil
// tracker.
func Fail(t Tracker, err error) {
	if t != nil {
		t.Fail(err)
	}
}

// TrackReader wraps r so every read updates t. A nil tracker returns
// r unchanged.
func TrackReader(t Tracker, total int64, r io.Reader) io.Reader {
	if t == nil {
		return r
	}
	return &readTracker{base: r, tracker: t, total: total}
}

type readTracker struct {
	base    io.Reader
	tracker Tracker
	offset  int64
	total   int64
}

func (rt *readTracker) Read(p []byte) (int, error) {
	n, err := rt.base.Read(p)
	rt.offset += int64(n)
	rt.tracker.Update(Status{
		State:  StateTransmitting,
		Offset: rt.offset,
		Total:  rt.total,
	})
	if err != nil && err != io.EOF {
		rt.tracker.Fail(err)
	}
	return n, err
}
