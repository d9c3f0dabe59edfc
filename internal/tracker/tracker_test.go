package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/agentexec/gateway/internal/bus"
	"github.com/agentexec/gateway/internal/clock"
)

func TestClassify_ErrorBeatsMilestone(t *testing.T) {
	kind, msg := classify("Error: Reading config.yaml failed")
	if kind != KindError {
		t.Fatalf("expected KindError, got %v", kind)
	}
	if msg == "" {
		t.Fatal("expected rendered message")
	}
}

func TestClassify_ToolUseMilestone(t *testing.T) {
	kind, msg := classify("Using Read tool")
	if kind != KindMilestone {
		t.Fatalf("expected KindMilestone, got %v", kind)
	}
	if msg != "🔧 **Tool**: **Read**" {
		t.Fatalf("unexpected render: %q", msg)
	}
}

func TestClassify_PlainLineIsUpdate(t *testing.T) {
	kind, _ := classify("just some ordinary output")
	if kind != KindUpdate {
		t.Fatalf("expected KindUpdate, got %v", kind)
	}
}

func TestOnProgress_ThrottlesWithinSmartTriggerInterval(t *testing.T) {
	// P7: two milestone lines within the smartTriggerInterval window
	// forward exactly one event.
	b := bus.New()
	sub := b.Subscribe(bus.TopicProgressMilestone)
	fc := clock.NewFake(time.Now())
	tr := New(Config{Bus: b, Clock: fc, SmartTriggerInterval: 2 * time.Second})

	tr.StartTask(context.Background(), "t1", "u1", "")
	tr.OnProgress("t1", "Using Read tool")
	tr.OnProgress("t1", "Using Grep tool")

	select {
	case <-sub.Ch():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected first milestone to be forwarded")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("expected second milestone to be throttled, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(3 * time.Second)
	tr.OnProgress("t1", "Using Glob tool")
	select {
	case <-sub.Ch():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected milestone after interval elapses to be forwarded")
	}
}

func TestHeartbeat_SuppressedWithinWindowAfterSmartSend(t *testing.T) {
	// P8: a heartbeat tick within heartbeatSuppression of the last smart
	// send is suppressed.
	b := bus.New()
	sub := b.Subscribe(bus.TopicProgressHeartbeat)
	fc := clock.NewFake(time.Now())
	tr := New(Config{
		Bus: b, Clock: fc,
		SmartTriggerInterval: time.Millisecond,
		HeartbeatInterval:    1 * time.Second,
		HeartbeatSuppression: 5 * time.Second,
	})

	tr.StartTask(context.Background(), "t1", "u1", "")
	tr.OnProgress("t1", "Using Read tool")
	time.Sleep(20 * time.Millisecond) // let OnProgress's goroutine-free path settle

	fc.Advance(1 * time.Second)
	time.Sleep(20 * time.Millisecond)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("expected heartbeat suppressed right after a smart send, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	select {
	case <-sub.Ch():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected heartbeat once outside the suppression window")
	}
}

func TestStartTask_CancelsPriorHeartbeatForSameSession(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(Config{Clock: fc})

	tr.StartTask(context.Background(), "t1", "u1", "")
	if !tr.HasHeartbeat("t1") {
		t.Fatal("expected t1 to have an active heartbeat")
	}

	tr.StartTask(context.Background(), "t2", "u1", "")
	// t1's heartbeat goroutine is cancelled, but its task-state entry
	// isn't removed until EndTask/FailTask — cancellation only tears
	// down the timer, per spec.md's per-user coherence rule.
	if !tr.HasHeartbeat("t2") {
		t.Fatal("expected t2 to have an active heartbeat")
	}
}

func TestEndTask_RemovesStateAndPublishesCompleted(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicProgressCompleted)
	tr := New(Config{Bus: b, Clock: clock.NewFake(time.Now())})

	tr.StartTask(context.Background(), "t1", "u1", "")
	tr.EndTask("t1", "final output")

	if tr.HasHeartbeat("t1") {
		t.Fatal("expected task state removed after EndTask")
	}
	select {
	case ev := <-sub.Ch():
		pe, ok := ev.Payload.(bus.ProgressEvent)
		if !ok || pe.TaskID != "t1" {
			t.Fatalf("unexpected payload: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a completed event")
	}
}

func TestFlushBuffer_DedupesAndTruncates(t *testing.T) {
	tr := New(Config{Clock: clock.NewFake(time.Now()), MaxBufferChars: 20})
	tr.StartTask(context.Background(), "t1", "u1", "")
	tr.OnProgress("t1", "line one\nline one\nline two")

	flushed := tr.FlushBuffer("t1")
	if flushed == "" {
		t.Fatal("expected non-empty flush")
	}
}
