// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sqlbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestPool_CapacityBound tests that concurrent tasks never open more
// connections than the configured maximum.
func TestPool_CapacityBound(t *testing.T) {
	b, driver, err := startedBridge(WithMaxPoolSize(2))
	if err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Shutdown(context.Background())

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Run(context.Background(), func(s *Session) error {
				if _, err := s.Exec("select 1"); err != nil {
					return err
				}
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Run failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := driver.connectCount(); n > 2 {
		t.Fatalf("Pool opened %d connections, capacity is 2", n)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("Observed %d holders at once, capacity is 2", p)
	}
}

// TestPool_AcquireTimeout tests that acquisition beyond capacity fails
// with ErrPoolTimeout once the configured wait elapses.
func TestPool_AcquireTimeout(t *testing.T) {
	b, _, err := startedBridge(WithMaxPoolSize(1), WithAcquireTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Shutdown(context.Background())

	// Task A holds the only connection.
	ctxA, taskA := b.BindTask(context.Background())
	if err := b.Run(ctxA, func(s *Session) error { return s.Acquire() }); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer taskA.Release(context.Background())

	// Task B cannot get one in time.
	runErr := b.Run(context.Background(), func(s *Session) error {
		_, err := s.Exec("select 1")
		return err
	})
	if !errors.Is(runErr, ErrPoolTimeout) {
		t.Fatalf("Expected ErrPoolTimeout, got %v", runErr)
	}
}

// TestPool_SingleConnHandoff tests the single-connection scenario: a
// second task blocks until the holder releases, then reuses the same
// connection with clean transaction state.
func TestPool_SingleConnHandoff(t *testing.T) {
	driver := &mockDriver{single: true}
	b, err := NewBridge(WithDriver(driver), WithMaxPoolSize(8)) // Clamped to 1 by the driver
	if err != nil {
		t.Fatalf("Failed to create bridge: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Shutdown(context.Background())

	ctxA, taskA := b.BindTask(context.Background())
	if err := b.Run(ctxA, func(s *Session) error {
		return s.Atomic(func() error {
			_, err := s.Exec("insert into t values (1)")
			return err
		})
	}); err != nil {
		t.Fatalf("Task A failed: %v", err)
	}

	// Task B queues behind A's bound connection.
	bDone := make(chan error, 1)
	go func() {
		bDone <- b.Run(context.Background(), func(s *Session) error {
			_, err := s.Exec("select 1")
			return err
		})
	}()

	select {
	case err := <-bDone:
		t.Fatalf("Task B finished while A still held the connection: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := taskA.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("Task B failed after handoff: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Task B never unblocked after release")
	}

	if n := driver.connectCount(); n != 1 {
		t.Fatalf("Expected both tasks to share one connection, driver saw %d", n)
	}
}

// TestPool_MinWarm tests that Start opens the configured minimum number
// of connections eagerly.
func TestPool_MinWarm(t *testing.T) {
	b, driver, err := startedBridge(WithMaxPoolSize(4), WithMinPoolSize(2))
	if err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	defer b.Shutdown(context.Background())

	if n := driver.connectCount(); n != 2 {
		t.Fatalf("Expected 2 warm connections, driver saw %d", n)
	}
	if st := b.Stat(); st.IdleConns != 2 {
		t.Fatalf("Expected 2 idle connections, got %d", st.IdleConns)
	}
}

// TestPool_ShutdownForceReclaim tests that shutdown reclaims connections
// still held by tasks after the grace period.
func TestPool_ShutdownForceReclaim(t *testing.T) {
	b, driver, err := startedBridge(WithShutdownGrace(50 * time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}

	ctx, _ := b.BindTask(context.Background())
	if err := b.Run(ctx, func(s *Session) error { return s.Acquire() }); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// The task never releases; shutdown must reclaim its handle.

	done := make(chan error, 1)
	go func() { done <- b.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown hung on an unreleased connection")
	}

	if c := driver.lastConn(); c == nil || !c.isClosed() {
		t.Fatal("Expected the reclaimed connection to be closed")
	}
}
