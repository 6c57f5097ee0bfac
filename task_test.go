// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"testing"
)

// TestRegistry_ConcurrentAcquireSingleOwner tests that two runners
// racing to bind a connection for the same task end up sharing one
// handle, with the loser's redundant connection returned to the pool
// rather than orphaned.
func TestRegistry_ConcurrentAcquireSingleOwner(t *testing.T) {
	b, driver, err := startedBridge(WithMaxPoolSize(2))
	if err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Shutdown(context.Background())

	// Hold both connection attempts open at the driver, so neither
	// acquisition can observe the other's binding before it has a
	// connection of its own.
	gate := make(chan struct{})
	connected := make(chan struct{}, 2)
	driver.connectFunc = func(ctx context.Context) (DriverConn, error) {
		connected <- struct{}{}
		<-gate
		c := &mockConn{}
		driver.mu.Lock()
		driver.conns = append(driver.conns, c)
		driver.mu.Unlock()
		return c, nil
	}

	_, task := b.BindTask(context.Background())

	handles := make(chan *connHandle, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := b.registry.acquire(context.Background(), task)
			errs <- err
			handles <- h
		}()
	}
	<-connected
	<-connected
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}
	h1, h2 := <-handles, <-handles
	if h1 != h2 {
		t.Fatal("Expected both acquisitions to resolve to one handle")
	}
	if n := b.registry.taskCount(); n != 1 {
		t.Fatalf("Expected one bound task, registry has %d", n)
	}
	if n := b.pool.outstandingCount(); n != 1 {
		t.Fatalf("Expected one outstanding handle, got %d", n)
	}

	if err := task.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if n := b.pool.outstandingCount(); n != 0 {
		t.Fatalf("Expected no outstanding handles after release, got %d", n)
	}
}
