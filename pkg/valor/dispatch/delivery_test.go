package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/valor-bot/valor/pkg/valor/queue"
)

func TestFinalizeReply(t *testing.T) {
	t.Parallel()

	t.Run("sends text then success reaction", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeReply(context.Background(), job, "here is the answer", true); err != nil {
			t.Fatalf("FinalizeReply: %v", err)
		}

		if texts := transport.sentTexts(); len(texts) != 1 || texts[0] != "here is the answer" {
			t.Errorf("unexpected texts: %v", texts)
		}
		if reactions := transport.sentReactions(); len(reactions) != 1 || reactions[0] != ReactionReply {
			t.Errorf("expected %s, got %v", ReactionReply, reactions)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredReply {
			t.Errorf("expected delivered_reply, got %s", got.Delivery)
		}
	})

	t.Run("stripped output falls back to placeholder text", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		// Cleaned text is empty but the engine did produce output.
		if err := tracker.FinalizeReply(context.Background(), job, "   ", true); err != nil {
			t.Fatalf("FinalizeReply: %v", err)
		}

		texts := transport.sentTexts()
		if len(texts) != 1 || texts[0] != FallbackReplyText {
			t.Errorf("expected fallback text, got %v", texts)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredReply {
			t.Errorf("expected delivered_reply, got %s", got.Delivery)
		}
	})

	t.Run("nothing produced degrades to ack", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeReply(context.Background(), job, "", false); err != nil {
			t.Fatalf("FinalizeReply: %v", err)
		}

		if texts := transport.sentTexts(); len(texts) != 0 {
			t.Errorf("no text expected, got %v", texts)
		}
		if reactions := transport.sentReactions(); len(reactions) != 1 || reactions[0] != ReactionAck {
			t.Errorf("expected %s, got %v", ReactionAck, reactions)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredAck {
			t.Errorf("expected delivered_ack, got %s", got.Delivery)
		}
	})

	t.Run("send failure never shows success", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{failText: true}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeReply(context.Background(), job, "lost reply", true); err != nil {
			t.Fatalf("FinalizeReply: %v", err)
		}

		reactions := transport.sentReactions()
		for _, r := range reactions {
			if r == ReactionReply || r == ReactionAck {
				t.Errorf("success reaction %s emitted without a delivered reply", r)
			}
		}
		if len(reactions) != 1 || reactions[0] != ReactionError {
			t.Errorf("expected single error reaction, got %v", reactions)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredError {
			t.Errorf("expected delivered_error, got %s", got.Delivery)
		}
	})
}

func TestFinalizeError(t *testing.T) {
	t.Parallel()

	t.Run("sends reaction and message", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeError(context.Background(), job, "the build broke"); err != nil {
			t.Fatalf("FinalizeError: %v", err)
		}

		if reactions := transport.sentReactions(); len(reactions) != 1 || reactions[0] != ReactionError {
			t.Errorf("expected error reaction, got %v", reactions)
		}
		if texts := transport.sentTexts(); len(texts) != 1 || texts[0] != "the build broke" {
			t.Errorf("unexpected texts: %v", texts)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredError {
			t.Errorf("expected delivered_error, got %s", got.Delivery)
		}
	})

	t.Run("empty message gets a generic line", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeError(context.Background(), job, "  "); err != nil {
			t.Fatalf("FinalizeError: %v", err)
		}
		texts := transport.sentTexts()
		if len(texts) != 1 || strings.TrimSpace(texts[0]) == "" {
			t.Errorf("expected a non-empty error message, got %v", texts)
		}
	})

	t.Run("message send failure still records delivery", func(t *testing.T) {
		store := newMemStore()
		transport := &fakeTransport{failText: true}
		job := newRunningJob(t, store)
		tracker := NewTracker(store, transport, testLogger())

		if err := tracker.FinalizeError(context.Background(), job, "oops"); err != nil {
			t.Fatalf("FinalizeError: %v", err)
		}
		got, _ := store.Get(context.Background(), job.ID)
		if got.Delivery != queue.DeliveredError {
			t.Errorf("expected delivered_error even when the message is lost, got %s", got.Delivery)
		}
	})
}

func TestReactSkipsJobsWithoutMessageID(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	transport := &fakeTransport{}
	job := newRunningJob(t, store)
	job.MessageID = "" // console jobs have no reactable message
	tracker := NewTracker(store, transport, testLogger())

	if err := tracker.FinalizeAck(context.Background(), job); err != nil {
		t.Fatalf("FinalizeAck: %v", err)
	}
	if reactions := transport.sentReactions(); len(reactions) != 0 {
		t.Errorf("no reaction expected without a message ID, got %v", reactions)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Delivery != queue.DeliveredAck {
		t.Errorf("expected delivered_ack, got %s", got.Delivery)
	}
}
