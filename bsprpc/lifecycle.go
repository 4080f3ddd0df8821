// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"context"
	"sync"
	"sync/atomic"
)

// lease tracks one in-flight request. Whoever claims it first (the handler
// emitting its response, or a $/cancelRequest) decides the outcome; the
// other side does nothing.
type lease struct {
	id      ID
	cancel  context.CancelFunc
	claimed atomic.Bool
}

func (l *lease) claim() bool {
	return l.claimed.CompareAndSwap(false, true)
}

// leaseTable maps request ids to their leases.
type leaseTable struct {
	mu     sync.Mutex
	leases map[ID]*lease
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[ID]*lease)}
}

// register creates a lease for id and a context that is cancelled when the
// lease is cancelled or released. A later request reusing a live id replaces
// the earlier entry; the earlier request can then no longer be cancelled.
func (t *leaseTable) register(parent context.Context, id ID) (*lease, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l := &lease{id: id, cancel: cancel}
	t.mu.Lock()
	t.leases[id] = l
	t.mu.Unlock()
	return l, ctx
}

// cancel claims the lease for id and cancels its context. It returns false
// when no such request is in flight or the request already claimed its own
// completion.
func (t *leaseTable) cancel(id ID) bool {
	t.mu.Lock()
	l, ok := t.leases[id]
	t.mu.Unlock()
	if !ok || !l.claim() {
		return false
	}
	t.release(l)
	return true
}

// release removes l from the table. Safe to call more than once.
func (t *leaseTable) release(l *lease) {
	t.mu.Lock()
	if cur, ok := t.leases[l.id]; ok && cur == l {
		delete(t.leases, l.id)
	}
	t.mu.Unlock()
	l.cancel()
}

func (t *leaseTable) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}
