package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Fact{Kind: KindStickyPosted, Data: StickyPosted{ChannelID: "c1", MessageID: "m1"}})

	for _, ch := range []<-chan Fact{ch1, ch2} {
		select {
		case f := <-ch:
			if f.Kind != KindStickyPosted {
				t.Fatalf("kind = %q", f.Kind)
			}
			if f.Time.IsZero() {
				t.Fatal("publish should stamp a time")
			}
		case <-time.After(time.Second):
			t.Fatal("fact not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Fact{Kind: KindReminderFired})
	// Buffer is full; this one is dropped, not blocked on.
	done := make(chan struct{})
	go func() {
		b.Publish(Fact{Kind: KindSessionDestroyed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	f := <-ch
	if f.Kind != KindReminderFired {
		t.Fatalf("kind = %q, want the first fact", f.Kind)
	}
	select {
	case f := <-ch:
		t.Fatalf("unexpected second fact %q", f.Kind)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Fact{Kind: KindSessionOwnerChanged})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
