package websocket

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent(`{"id":"e1","type":"case.analyzed","caseId":"c1","timestamp":"2024-01-01T00:00:00Z"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventCaseAnalyzed || ev.CaseID != "c1" {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := decodeEvent(`{"id":"e2"}`); err == nil {
		t.Error("expected error for event without type")
	}
	if _, err := decodeEvent(`not json`); err == nil {
		t.Error("expected error for malformed payload")
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestMultiPublisher_TriesAll(t *testing.T) {
	hub := NewHub()
	c := newClient("m", TopicAll)
	hub.Register(c)
	bad := &failingPublisher{}

	err := MultiPublisher{bad, hub}.Publish(context.Background(), NewEvent(EventCaseCreated, "c1", "", nil))
	if err == nil {
		t.Fatal("expected first error to be returned")
	}
	if bad.calls != 1 {
		t.Errorf("expected failing publisher to be called once, got %d", bad.calls)
	}
	receive(t, c)
}

// Runs against a real server when REDIS_TEST_URL is set.
func TestRedisBus_ForwardsToHub(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	c := newClient("r", CaseTopic("redis-1"))
	hub.Register(c)

	bus := NewRedisBus(rdb, "casefile:test:"+time.Now().Format("150405.000"))
	if err := bus.StartForwarder(ctx, hub); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(EventCaseAnalyzed, "redis-1", "", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := receive(t, c); ev.CaseID != "redis-1" {
		t.Errorf("unexpected event %+v", ev)
	}
}
