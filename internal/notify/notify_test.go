package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub()
	a, releaseA := hub.Subscribe(4)
	b, releaseB := hub.Subscribe(4)
	defer releaseB()

	hub.Notify(context.Background(), Notification{RecordID: "r1", Kind: KindProgress, Message: "Level 1/2: menu"})

	for _, ch := range []<-chan Notification{a, b} {
		n := <-ch
		require.Equal(t, "r1", n.RecordID)
		require.False(t, n.At.IsZero())
	}

	releaseA()
	releaseA() // idempotent
	_, ok := <-a
	require.False(t, ok, "released channel must be closed")
	require.Equal(t, 1, hub.Subscribers())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch, release := hub.Subscribe(1)
	defer release()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Notify(context.Background(), Notification{RecordID: "r1", Kind: KindProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full subscriber")
	}
	require.Len(t, ch, 1)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe(1)
	hub.Close()
	_, ok := <-ch
	require.False(t, ok)

	late, _ := hub.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}

type recorder struct{ got []Notification }

func (r *recorder) Notify(_ context.Context, n Notification) { r.got = append(r.got, n) }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, Discard, b}.Notify(context.Background(), Notification{RecordID: "x"})
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
}

func TestFromChange(t *testing.T) {
	n := FromChange(schema.Change{Table: schema.TableRecords, Op: schema.OpDelete, ID: "r1"})
	require.Equal(t, KindChange, n.Kind)
	require.Equal(t, schema.OpDelete, n.Op)
	require.Equal(t, "r1", n.RecordID)
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewRedisPublisher(pub, "", zap.NewNop())

	p.Notify(context.Background(), Notification{RecordID: "r1", Kind: KindSuccess, Message: "Balance executed successfully"})

	require.Equal(t, defaultRedisChannel, pub.channel)
	var n Notification
	require.NoError(t, json.Unmarshal(pub.payload, &n))
	require.Equal(t, KindSuccess, n.Kind)
	require.Equal(t, "Balance executed successfully", n.Message)

	// Publish errors are logged, not returned.
	pub.err = errors.New("connection refused")
	p.Notify(context.Background(), Notification{RecordID: "r2"})
}

func TestStreamHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	r := gin.New()
	r.GET("/events", StreamHandler(hub, zap.NewNop()))

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify(context.Background(), Notification{RecordID: "r1", Kind: KindFailure, Message: "Balance execution failed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	require.Equal(t, "r1", n.RecordID)
	require.Equal(t, KindFailure, n.Kind)
}
