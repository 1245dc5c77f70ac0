// Copyright 2018 The gVisor Authors.
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

// Package testutil contains utility functions for kernel tests.
package testutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kltos/kltos/pkg/log"
)

// PollInterval is the delay between two attempts of Poll.
const PollInterval = 10 * time.Millisecond

// Poll is a shorthand function to poll for something with given timeout.
//
// cb is retried while it returns an error; wrap the error with
// backoff.Permanent to stop polling early.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(PollInterval), ctx)
	return backoff.Retry(cb, b)
}

// TestingT is the subset of testing.TB used by SetLogger.
type TestingT interface {
	log.TestLogger
	Cleanup(func())
}

// SetLogger sends the global log to t at debug level until t completes.
// Tests that call it must not run in parallel.
func SetLogger(t TestingT) {
	old := log.Log()
	log.SetTarget(&log.TestEmitter{TestLogger: t})
	log.SetLevel(log.Debug)
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})
}
