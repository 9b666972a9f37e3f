package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestClient(id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, 256),
	}
}

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case msg := <-c.Send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Envelope{}
}

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(newTestClient("client-1", "fleet"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("fleet") != 1 {
		t.Fatalf("expected 1 client on fleet, got %d", hub.TopicCount("fleet"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("client-2", "er")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("er") != 0 {
		t.Fatalf("expected 0 clients on er, got %d", hub.TopicCount("er"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// A second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestHub_PublishToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	fleet := newTestClient("fleet-1", "fleet")
	er := newTestClient("er-1", "er")
	hub.Register(fleet)
	hub.Register(er)

	env := Envelope{Type: "AMBULANCE_LOCATION_UPDATE", Payload: json.RawMessage(`{"ambulance_id":"a1"}`)}
	if err := hub.Publish(context.Background(), "fleet", env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := receive(t, fleet)
	if got.Type != "AMBULANCE_LOCATION_UPDATE" {
		t.Errorf("expected AMBULANCE_LOCATION_UPDATE, got %s", got.Type)
	}
	if string(got.Payload) != `{"ambulance_id":"a1"}` {
		t.Errorf("unexpected payload %s", got.Payload)
	}

	select {
	case msg := <-er.Send:
		t.Fatalf("er client should not receive fleet messages, got %s", msg)
	default:
	}
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"fleet"}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	hub.Broadcast("fleet", []byte("one"))
	hub.Broadcast("fleet", []byte("two"))

	if len(slow.Send) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(slow.Send))
	}
	if msg := <-slow.Send; string(msg) != "one" {
		t.Errorf("expected first message to be kept, got %s", msg)
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Broadcast("nobody", []byte("x"))
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient("dyn-1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"fleet", "er", "fleet"}})
	if hub.TopicCount("fleet") != 1 || hub.TopicCount("er") != 1 {
		t.Fatalf("expected both topics subscribed, got fleet=%d er=%d", hub.TopicCount("fleet"), hub.TopicCount("er"))
	}
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics on client, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"fleet"}})
	if hub.TopicCount("fleet") != 0 {
		t.Fatalf("expected 0 on fleet, got %d", hub.TopicCount("fleet"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "er" {
		t.Fatalf("expected [er] remaining, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout", Topics: []string{"fleet"}})
	if hub.TopicCount("fleet") != 0 {
		t.Fatal("unknown action must be ignored")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient("c", "fleet")
			hub.Register(c)
			hub.Broadcast("fleet", []byte("x"))
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_RedisRelay(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two hubs on one Redis stand in for two server instances.
	a := NewHub(zerolog.Nop())
	b := NewHub(zerolog.Nop())
	if err := a.EnableRelay(ctx, rdb); err != nil {
		t.Fatalf("enable relay a: %v", err)
	}
	if err := b.EnableRelay(ctx, rdb); err != nil {
		t.Fatalf("enable relay b: %v", err)
	}

	local := newTestClient("local", "er")
	remote := newTestClient("remote", "er")
	a.Register(local)
	b.Register(remote)

	env := Envelope{Type: "NEW_ALERT", Payload: json.RawMessage(`{"id":"t1"}`)}
	if err := a.Publish(ctx, "er", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, local); got.Type != "NEW_ALERT" {
		t.Errorf("local: expected NEW_ALERT, got %s", got.Type)
	}
	if got := receive(t, remote); got.Type != "NEW_ALERT" {
		t.Errorf("remote: expected NEW_ALERT, got %s", got.Type)
	}
}

func TestHub_RedisPublishFailureFallsBackToLocal(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zerolog.Nop())
	if err := hub.EnableRelay(ctx, rdb); err != nil {
		t.Fatalf("enable relay: %v", err)
	}
	client := newTestClient("c1", "fleet")
	hub.Register(client)

	s.Close()

	err := hub.Publish(ctx, "fleet", Envelope{Type: "TRIP_ETA_UPDATE", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected relay error")
	}
	if got := receive(t, client); got.Type != "TRIP_ETA_UPDATE" {
		t.Errorf("expected local delivery, got %s", got.Type)
	}
}

func TestTopicFromChannel(t *testing.T) {
	if got := topicFromChannel(channelPrefix + "fleet"); got != "fleet" {
		t.Errorf("expected fleet, got %s", got)
	}
}
