package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateFlags(t *testing.T) {
	t.Parallel()
	s := NewState("sess-1", KindTelephony)

	if s.Speaking() {
		t.Error("new state reports speaking")
	}
	s.SetSynthesizing(true)
	if !s.Speaking() {
		t.Error("Speaking = false while synthesizing")
	}
	s.SetSynthesizing(false)
	s.SetAudioPlaying(true)
	if !s.Speaking() {
		t.Error("Speaking = false while audio playing")
	}
	s.SetAudioPlaying(false)
	if s.Speaking() {
		t.Error("Speaking = true with both flags clear")
	}
}

func TestMarkGreetingSpokenOnce(t *testing.T) {
	t.Parallel()
	s := NewState("sess-1", KindBrowser)

	if !s.MarkGreetingSpoken() {
		t.Error("first MarkGreetingSpoken = false")
	}
	if s.MarkGreetingSpoken() {
		t.Error("second MarkGreetingSpoken = true")
	}
	if !s.GreetingSpoken() {
		t.Error("GreetingSpoken = false after marking")
	}
}

func TestEventSetClear(t *testing.T) {
	t.Parallel()
	e := NewEvent()

	select {
	case <-e.Done():
		t.Fatal("fresh event already fired")
	default:
	}

	e.Set()
	e.Set() // idempotent
	if !e.IsSet() {
		t.Error("IsSet = false after Set")
	}
	select {
	case <-e.Done():
	default:
		t.Error("Done channel not closed after Set")
	}

	e.Clear()
	if e.IsSet() {
		t.Error("IsSet = true after Clear")
	}
	select {
	case <-e.Done():
		t.Error("cleared event still fired")
	default:
	}
}

func TestEventWakesWaiters(t *testing.T) {
	t.Parallel()
	e := NewEvent()
	woke := make(chan struct{})

	go func() {
		<-e.Done()
		close(woke)
	}()

	e.Set()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Set")
	}
}

func TestCancelTasksWaitsForCompletion(t *testing.T) {
	t.Parallel()
	s := NewState("sess-1", KindTelephony)

	var finished atomic.Bool
	s.Go(func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})

	if !s.CancelTasks(time.Second) {
		t.Error("CancelTasks = false, want tasks finished within grace")
	}
	if !finished.Load() {
		t.Error("task did not observe cancellation")
	}
}

func TestCancelTasksAbandonsStragglers(t *testing.T) {
	t.Parallel()
	s := NewState("sess-1", KindTelephony)

	release := make(chan struct{})
	s.Go(func(ctx context.Context) {
		<-release
	})

	if s.CancelTasks(20 * time.Millisecond) {
		t.Error("CancelTasks = true, want false for a straggler")
	}
	close(release)

	// The group is re-armed: new tasks run under a fresh context.
	ran := make(chan struct{})
	s.Go(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			t.Error("fresh task context already cancelled")
		default:
		}
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("re-armed task never ran")
	}
}
