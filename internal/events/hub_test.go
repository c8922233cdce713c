package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(topics ...string) (*Client, chan Message) {
	c := &Client{send: make(chan Message, 4), topics: topics}
	return c, c.send
}

func TestPublishDeliversOnlyToSubscribedTopic(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	subscribed, subCh := newTestClient("workers")
	other, otherCh := newTestClient("job:xyz")
	h.Subscribe(subscribed)
	h.Subscribe(other)

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.topics["workers"]) == 1
	}, time.Second, 5*time.Millisecond)

	h.PublishWorkerStatus("w1", true)

	select {
	case msg := <-subCh:
		assert.Equal(t, MsgWorkerStatus, msg.Type)
		assert.Equal(t, "workers", msg.Topic)
		payload, ok := msg.Payload.(WorkerStatusPayload)
		require.True(t, ok)
		assert.Equal(t, "w1", payload.Hostname)
		assert.True(t, payload.Online)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker status message")
	}

	select {
	case <-otherCh:
		t.Fatal("client not subscribed to workers topic should not receive it")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishJobStatusDeliversToJobTopic(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client, ch := newTestClient("job:abc")
	h.Subscribe(client)

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.topics["job:abc"]) == 1
	}, time.Second, 5*time.Millisecond)

	h.PublishJobStatus("abc", "COMPLETE")

	select {
	case msg := <-ch:
		payload, ok := msg.Payload.(JobStatusPayload)
		require.True(t, ok)
		assert.Equal(t, "abc", payload.JobID)
		assert.Equal(t, "COMPLETE", payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job status message")
	}
}

func TestUnsubscribeRemovesClientFromTopics(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client, _ := newTestClient("workers")
	h.Subscribe(client)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.topics["workers"]) == 1
	}, time.Second, 5*time.Millisecond)

	h.Unsubscribe(client)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.topics["workers"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCancelContextClosesAllClients(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	client, ch := newTestClient("workers")
	go h.Run(ctx)
	h.Subscribe(client)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.clients) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "send channel should be closed on shutdown")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client channel to close")
	}
}
