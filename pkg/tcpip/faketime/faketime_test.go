// Copyright 2020 The gVisor Authors.
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

package faketime_test

import (
	"testing"
	"time"

	"netout.dev/netout/pkg/tcpip/faketime"
)

func TestManualClockAdvance(t *testing.T) {
	clock := faketime.NewManualClock()
	start := clock.Now()
	clock.Advance(time.Second)
	if got, want := clock.Now().Sub(start), time.Second; got != want {
		t.Errorf("clock advanced by %s, want %s", got, want)
	}
	if got := clock.Now(); !got.Equal(clock.Now()) {
		t.Errorf("clock moved without Advance")
	}
}

func TestNullClock(t *testing.T) {
	var clock faketime.NullClock
	if got := clock.Now(); !got.IsZero() {
		t.Errorf("Now() = %s, want zero time", got)
	}
}
