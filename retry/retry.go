// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package retry contains utilities for implementing retry logic.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shuffleio/mergeengine/mergeerrors"
)

// A Policy is an interface that abstracts retry policies. Typically users
// will not call methods directly on a Policy but rather use the package
// function retry.Wait.
type Policy interface {
	// Retry tells whether a new retry should be attempted, and after how long.
	Retry(retry int) (bool, time.Duration)
}

// Wait queries the provided policy at the provided retry number and sleeps
// until the next try should be attempted. Wait returns an error if the
// policy prohibits further tries, or if the context was canceled.
func Wait(ctx context.Context, policy Policy, retry int) error {
	keepgoing, wait := policy.Retry(retry)
	if !keepgoing {
		return mergeerrors.E(mergeerrors.TooManyTries, fmt.Sprintf("gave up after %d tries", retry))
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return mergeerrors.E(mergeerrors.Canceled, ctx.Err())
	}
}

type backoff struct {
	factor       float64
	initial, max time.Duration
}

// maxInt64Convertible is the maximum float64 that can be converted to an
// int64 accurately; used to prevent overflow when computing the exponential
// backoff in float64. Produced with math.Nextafter(float64(math.MaxInt64), 0).
const maxInt64Convertible = int64(float64(9223372036854774784))

// MaxBackoffMax is the maximum value that can be passed as max to Backoff.
const MaxBackoffMax = time.Duration(maxInt64Convertible)

// Backoff returns a Policy that initially waits for the amount of time
// specified by parameter initial; on each try this value is multiplied by
// the provided factor, up to the max duration. This is the policy behind
// the merged-block sink's memory admission backoff: factor 2 doubles the
// wait on each refused requireMemory call, capped at MaxSleep, and resets
// to InitSleep because the caller starts a fresh Policy on every emit.
func Backoff(initial, max time.Duration, factor float64) Policy {
	if max > MaxBackoffMax {
		panic("max > MaxBackoffMax")
	}
	return &backoff{initial: initial, max: max, factor: factor}
}

func (b *backoff) Retry(retries int) (bool, time.Duration) {
	if retries < 0 {
		panic("retries < 0")
	}
	nsfloat64 := float64(b.initial) * math.Pow(b.factor, float64(retries))
	nsfloat64 = math.Min(nsfloat64, float64(b.max))
	return true, time.Duration(int64(nsfloat64))
}
