package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"filmarchive/internal/logging"
	"filmarchive/internal/pipeline"
)

type okProcessor struct{}

func (okProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Stats: map[string]any{"inserted": 1}}
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestHubBroadcastsImageChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(logging.Discard())
	go h.Run(ctx)

	conn := dial(t, h)
	h.ImageChanged("rollfilm/b/x", "tags")

	ev := readEvent(t, conn)
	if ev.Type != EventImageChanged || ev.ImageID != "rollfilm/b/x" || ev.Field != "tags" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubFollowsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(logging.Discard())
	go h.Run(ctx)
	conn := dial(t, h)

	p := pipeline.New(okProcessor{}, nil, logging.Discard())
	followCtx, stop := context.WithCancel(ctx)
	defer stop()
	started := make(chan struct{})
	go func() {
		close(started)
		h.Follow(followCtx, p)
	}()
	<-started
	// Follow subscribes asynchronously; give it a moment before the run
	time.Sleep(50 * time.Millisecond)

	res := p.Run(ctx, pipeline.Job{Kind: pipeline.KindSync})
	ev := readEvent(t, conn)
	if ev.Type != EventRunCompleted || ev.RunID != res.Job.ID || ev.Status != "completed" || ev.Kind != "sync" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublishWithoutRunDoesNotBlock(t *testing.T) {
	h := NewHub(logging.Discard())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.ImageChanged("x", "description")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
}
