package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var released, all Recorder
	unsubscribe := bus.Subscribe(EscrowReleased, released.Handler())
	bus.SubscribeAll(all.Handler())
	bus.Subscribe(EscrowReleased, func(context.Context, Event) error {
		return errors.New("handler errors are logged, not propagated")
	})

	bus.Publish(ctx, Event{Type: EscrowReleased, JobID: "job-1"})
	bus.Publish(ctx, Event{Type: JobStatusChanged, JobID: "job-1"})

	require.Len(t, released.Events(), 1)
	require.Len(t, all.Events(), 2)
	require.False(t, released.Events()[0].Timestamp.IsZero())

	unsubscribe()
	bus.Publish(ctx, Event{Type: EscrowReleased, JobID: "job-2"})
	require.Len(t, released.Events(), 1)
	require.Len(t, all.OfType(EscrowReleased), 2)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Handle(context.Background(), Event{Type: ReputationUpdated, SubjectID: "provider-1"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(data) == PingMsg {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, ReputationUpdated, ev.Type)
		require.Equal(t, "provider-1", ev.SubjectID)
		break
	}

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
