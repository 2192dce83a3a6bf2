// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// Cond is a context-aware condition variable, analogous to sync.Cond but
// with a Wait that can be interrupted by context cancellation. Used by the
// ring buffer to park a producer on a full ring and a consumer on an empty
// one, waking the complementary side on Broadcast.
//
// The caller must hold L when calling Wait or Broadcast, exactly as with
// sync.Cond.
type Cond struct {
	L sync.Locker

	mu   sync.Mutex // guards ch
	ch   chan struct{}
	init sync.Once
}

// NewCond returns a new Cond guarded by l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

func (c *Cond) initCh() {
	c.init.Do(func() {
		c.ch = make(chan struct{})
	})
}

// Done returns the channel that closes on the next Broadcast. It must be
// read with L held, matching the pattern used by Wait; callers that need to
// select on multiple conditions can use this directly instead of Wait.
func (c *Cond) Done() <-chan struct{} {
	c.initCh()
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	return ch
}

// Wait releases L, waits for a Broadcast or for ctx to be done, then
// reacquires L before returning. It returns ctx.Err() if ctx was the reason
// it woke, leaving L held either way (mirroring sync.Cond.Wait's contract
// that L is held on return).
func (c *Cond) Wait(ctx context.Context) error {
	c.initCh()
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all goroutines waiting in Wait. The caller must hold L.
func (c *Cond) Broadcast() {
	c.initCh()
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}
