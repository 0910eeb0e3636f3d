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

package util

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

var errNotYet = errors.New("condition not met yet")

// Wait paces WaitFor.
type Wait struct {
	Timeout  time.Duration // default 5s
	Interval time.Duration // default 50ms
}

var (
	// SessionStartWait is used while a detached session loads its workspace
	// and opens the control socket.
	SessionStartWait = Wait{Timeout: 30 * time.Second, Interval: 25 * time.Millisecond}
	// SessionStopWait is the default grace period for a stopping session.
	SessionStopWait = Wait{Timeout: 10 * time.Second, Interval: 100 * time.Millisecond}
)

// WaitFor checks cond right away and then every Interval until it holds.
// It returns context.DeadlineExceeded once Timeout elapses, or the error of ctx.
func WaitFor(ctx context.Context, w Wait, cond func() bool) error {
	if w.Timeout <= 0 {
		w.Timeout = 5 * time.Second
	}
	if w.Interval <= 0 {
		w.Interval = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	err := retry.Do(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(w.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
