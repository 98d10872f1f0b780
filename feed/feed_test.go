package feed

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
)

// Tests that the feed can be started and torn down.
func TestFeedLifecycle(t *testing.T) {
	feed, err := New(&Config{
		Name:    "test-feed",
		Datadir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to start snapshot feed: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("Failed to stop snapshot feed: %v", err)
	}
}

// subscribe connects a consumer to the feed and funnels delivered snapshots
// into the returned channel.
func subscribe(t *testing.T, feed *Feed) chan []byte {
	t.Helper()

	consumer, err := feed.NewConsumer("test-feed#ephemeral")
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}
	t.Cleanup(consumer.Stop)

	msgs := make(chan []byte, 16)
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		msgs <- msg.Body
		return nil
	}))
	if err := consumer.ConnectToNSQD(fmt.Sprintf("127.0.0.1:%d", feed.Port())); err != nil {
		t.Fatalf("Failed to connect consumer: %v", err)
	}
	return msgs
}

// deliver keeps offering a snapshot until the subscriber reports it, failing
// the test if nothing arrives in time. Ephemeral topics drop snapshots
// published before the subscription went live, so one offer is not enough.
func deliver(t *testing.T, feed *Feed, msgs chan []byte, blob []byte) {
	t.Helper()

	timeout := time.After(15 * time.Second)
	for {
		feed.Offer(blob)
		select {
		case have := <-msgs:
			if !bytes.Equal(have, blob) {
				t.Fatalf("snapshot mismatch: have %s, want %s", have, blob)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-timeout:
			t.Fatalf("snapshot delivery timed out")
		}
	}
}

// Tests that snapshots offered to the feed reach a connected subscriber.
func TestSnapshotDelivery(t *testing.T) {
	feed, err := New(&Config{
		Name:    "test-feed",
		Datadir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to start snapshot feed: %v", err)
	}
	defer feed.Close()

	msgs := subscribe(t, feed)
	deliver(t, feed, msgs, []byte(`{"type":"topology"}`))
}

// Tests that a secret protected feed delivers to subscribers holding the same
// secret and rejects ones that do not.
func TestSecretHandshake(t *testing.T) {
	feed, err := New(&Config{
		Name:    "test-feed",
		Datadir: t.TempDir(),
		Secret:  "good dog",
	})
	if err != nil {
		t.Fatalf("Failed to start snapshot feed: %v", err)
	}
	defer feed.Close()

	// A subscriber holding the wrong secret must fail the handshake
	rogue, err := NewSubscriber("bad dog", nil).NewConsumer("rogue#ephemeral")
	if err != nil {
		t.Fatalf("Failed to create rogue consumer: %v", err)
	}
	rogue.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error { return nil }))
	if err := rogue.ConnectToNSQD(fmt.Sprintf("127.0.0.1:%d", feed.Port())); err == nil {
		t.Fatalf("rogue subscriber connected through a secret protected feed")
	}
	rogue.Stop()

	// A subscriber holding the right secret gets the stream
	msgs := subscribe(t, feed)
	deliver(t, feed, msgs, []byte(`{"type":"topology"}`))
}

// Tests that offering snapshots never blocks the hub, no matter how much
// faster they are produced than published.
func TestOfferNeverBlocks(t *testing.T) {
	feed, err := New(&Config{
		Name:    "test-feed",
		Datadir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to start snapshot feed: %v", err)
	}
	defer feed.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1024; i++ {
			feed.Offer([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("snapshot offer blocked")
	}
}

// Tests that the same secret always derives the same feed identity and that
// different secrets derive different ones.
func TestDeterministicIdentity(t *testing.T) {
	cert1, key1 := makeTLSCert("correct horse")
	cert2, key2 := makeTLSCert("correct horse")
	if !bytes.Equal(cert1, cert2) || !bytes.Equal(key1, key2) {
		t.Fatalf("identity mismatch for identical secrets")
	}
	cert3, _ := makeTLSCert("battery staple")
	if bytes.Equal(cert1, cert3) {
		t.Fatalf("identity collision for different secrets")
	}
}
