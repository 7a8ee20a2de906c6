package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theatreos/theatreos/pkg/models"
)

func TestChannelsFor(t *testing.T) {
	cases := []struct {
		name   string
		target models.EventTarget
		want   []string
	}{
		{"users win over everything", models.EventTarget{
			UserIDs: []string{"u1", "u2"}, StageID: "s1", TheatreID: "th1",
		}, []string{"user:u1", "user:u2"}},
		{"stage wins over theatre", models.EventTarget{
			StageID: "s1", TheatreID: "th1",
		}, []string{"stage:s1"}},
		{"theatre", models.EventTarget{TheatreID: "th1"}, []string{"theatre:th1"}},
		{"empty target is global", models.EventTarget{}, []string{"global"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ChannelsFor(&models.Event{Target: tc.target})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTheatreChannelHelpers(t *testing.T) {
	assert.True(t, IsTheatreChannel("theatre:th1"))
	assert.False(t, IsTheatreChannel("user:th1"))
	assert.False(t, IsTheatreChannel("global"))
	assert.Equal(t, "th1", TheatreFromChannel("theatre:th1"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)
	e := &models.Event{
		ID:        42,
		EventID:   "ev-1",
		TheatreID: "th1",
		At:        at,
		Kind:      models.EventVarChanged,
		Payload:   json.RawMessage(`{"var_id":"tension","value":0.6}`),
	}

	data, err := json.Marshal(NewEnvelope(e))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "event", env.Type)
	assert.Equal(t, int64(42), env.Seq)
	assert.Equal(t, models.EventVarChanged, env.Kind)
	assert.JSONEq(t, `{"var_id":"tension","value":0.6}`, string(env.Payload))
	assert.False(t, env.Truncated)
}

func TestFitNotifyPayload(t *testing.T) {
	e := &models.Event{ID: 7, EventID: "ev-big", TheatreID: "th1", Kind: models.EventRumorPublished}

	t.Run("small payload passes through", func(t *testing.T) {
		data := []byte(`{"type":"event","kind":"rumor_published"}`)
		out, err := fitNotifyPayload(e, data)
		require.NoError(t, err)
		assert.Equal(t, string(data), out)
	})

	t.Run("oversize payload is replaced by a routing stub", func(t *testing.T) {
		data := make([]byte, notifyLimit+1)
		for i := range data {
			data[i] = 'x'
		}
		out, err := fitNotifyPayload(e, data)
		require.NoError(t, err)
		assert.Less(t, len(out), notifyLimit)

		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(out), &env))
		assert.True(t, env.Truncated)
		assert.Equal(t, "ev-big", env.EventID)
		assert.Equal(t, int64(7), env.Seq)
		assert.Empty(t, env.Payload)
	})
}
