package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/storage/memory"
)

func drain(c *Connection) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestBroadcast_ReachesSubscribedChannelsOnly(t *testing.T) {
	m := NewConnectionManager(nil, time.Second)

	sub, closeSub, err := m.OpenStream(context.Background(), []string{"theatre:th1"})
	require.NoError(t, err)
	defer closeSub()

	other, closeOther, err := m.OpenStream(context.Background(), []string{"theatre:th2"})
	require.NoError(t, err)
	defer closeOther()

	assert.Equal(t, 2, m.ActiveConnections())
	assert.Equal(t, 1, m.subscriberCount("theatre:th1"))

	m.Broadcast("theatre:th1", []byte(`{"kind":"tick"}`))

	require.Len(t, drain(sub), 1)
	assert.Empty(t, drain(other))
}

func TestBroadcast_SlowSubscriberDropsOldest(t *testing.T) {
	m := NewConnectionManager(nil, time.Second)

	sub, closeSub, err := m.OpenStream(context.Background(), []string{"global"})
	require.NoError(t, err)
	defer closeSub()

	// Overfill the queue; the newest messages must survive.
	total := sendQueueCap + 10
	for i := 0; i < total; i++ {
		m.Broadcast("global", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	msgs := drain(sub)
	require.Len(t, msgs, sendQueueCap)

	var last struct{ N int }
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &last))
	assert.Equal(t, total-1, last.N, "newest message survives the drops")
}

func TestUnsubscribeRemovesChannel(t *testing.T) {
	m := NewConnectionManager(nil, time.Second)

	sub, closeSub, err := m.OpenStream(context.Background(), []string{"stage:s1"})
	require.NoError(t, err)
	defer closeSub()

	require.Equal(t, 1, m.subscriberCount("stage:s1"))
	m.unsubscribe(sub, "stage:s1")
	assert.Zero(t, m.subscriberCount("stage:s1"))

	m.Broadcast("stage:s1", []byte(`{}`))
	assert.Empty(t, drain(sub))
}

func TestCloseStreamUnsubscribes(t *testing.T) {
	m := NewConnectionManager(nil, time.Second)

	_, closeSub, err := m.OpenStream(context.Background(), []string{"theatre:th1", "global"})
	require.NoError(t, err)
	closeSub()

	assert.Zero(t, m.ActiveConnections())
	assert.Zero(t, m.subscriberCount("theatre:th1"))
	assert.Zero(t, m.subscriberCount("global"))
}

func TestCatchup_ReplaysEventLog(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AppendEvent(ctx, &models.Event{
			EventID:   fmt.Sprintf("ev-%d", i),
			TheatreID: "th1",
			At:        time.Now(),
			Kind:      models.EventVarChanged,
			Payload:   json.RawMessage(`{}`),
		}))
	}

	m := NewConnectionManager(NewStoreCatchup(store), time.Second)
	sub, closeSub, err := m.OpenStream(ctx, []string{"theatre:th1"})
	require.NoError(t, err)
	defer closeSub()

	m.handleCatchup(ctx, sub, "theatre:th1", 2)

	msgs := drain(sub)
	require.Len(t, msgs, 3)
	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, int64(3), env.Seq)
	assert.Equal(t, "ev-3", env.EventID)
}

func TestCatchup_OverflowSignalsReload(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i := 0; i < catchupLimit+20; i++ {
		require.NoError(t, store.AppendEvent(ctx, &models.Event{
			EventID:   fmt.Sprintf("ev-%d", i),
			TheatreID: "th1",
			At:        time.Now(),
			Kind:      models.EventTick,
			Payload:   json.RawMessage(`{}`),
		}))
	}

	// Queue must hold the full catchup batch for this test.
	m := NewConnectionManager(NewStoreCatchup(store), time.Second)
	sub := m.register(ctx, nil)
	sub.send = make(chan []byte, catchupLimit+1)
	defer m.unregister(sub)

	m.handleCatchup(ctx, sub, "theatre:th1", 0)

	msgs := drain(sub)
	require.Len(t, msgs, catchupLimit+1)

	var tail map[string]any
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &tail))
	assert.Equal(t, "catchup.overflow", tail["type"])
}

func TestCatchup_NonTheatreChannelIsEmpty(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.AppendEvent(ctx, &models.Event{
		EventID: "ev-1", TheatreID: "th1", At: time.Now(), Kind: models.EventTick,
	}))

	q := NewStoreCatchup(store)
	for _, ch := range []string{"user:u1", "stage:s1", "global"} {
		evts, err := q.CatchupEvents(ctx, ch, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, evts, ch)
	}
}

func TestPublisher_LocalDispatch(t *testing.T) {
	m := NewConnectionManager(nil, time.Second)
	p := NewPublisher(nil, m)

	userSub, closeUser, err := m.OpenStream(context.Background(), []string{"user:u1"})
	require.NoError(t, err)
	defer closeUser()

	theatreSub, closeTheatre, err := m.OpenStream(context.Background(), []string{"theatre:th1"})
	require.NoError(t, err)
	defer closeTheatre()

	p.Deliver(&models.Event{
		ID: 1, EventID: "ev-1", TheatreID: "th1", At: time.Now(),
		Kind:   models.EventGateResolved,
		Target: models.EventTarget{TheatreID: "th1"},
	})
	p.Deliver(&models.Event{
		ID: 2, EventID: "ev-2", TheatreID: "th1", At: time.Now(),
		Kind:   models.EventNotification,
		Target: models.EventTarget{UserIDs: []string{"u1"}},
	})

	theatreMsgs := drain(theatreSub)
	require.Len(t, theatreMsgs, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(theatreMsgs[0], &env))
	assert.Equal(t, models.EventGateResolved, env.Kind)

	userMsgs := drain(userSub)
	require.Len(t, userMsgs, 1)
	require.NoError(t, json.Unmarshal(userMsgs[0], &env))
	assert.Equal(t, models.EventNotification, env.Kind)
}
