package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeParticipantEvents(t *testing.T) {
	t.Run("onlineUsers array is a snapshot", func(t *testing.T) {
		ev, err := Decode(EventJoinOnlineTest, []byte(`{"onlineUsers":[{"id":"u1","firstName":"Ana"},{"userId":42}]}`))
		require.NoError(t, err)
		snap, ok := ev.(SnapshotEvent)
		require.True(t, ok)
		require.Len(t, snap.Users, 2)
		assert.Equal(t, "u1", snap.Users[0].PrimaryID())
		assert.Equal(t, "Ana", *snap.Users[0].FirstName)
		assert.Equal(t, "42", snap.Users[1].PrimaryID())
	})

	t.Run("onlineUsers may be a JSON string", func(t *testing.T) {
		ev, err := Decode(EventChangeUserData, []byte(`{"onlineUsers":"[{\"clientId\":\"c9\"}]"}`))
		require.NoError(t, err)
		snap := ev.(SnapshotEvent)
		require.Len(t, snap.Users, 1)
		assert.Equal(t, "c9", snap.Users[0].PrimaryID())
		assert.Equal(t, EventChangeUserData, snap.Source)
	})

	t.Run("explicit kind wins over onlineUsers", func(t *testing.T) {
		ev, err := Decode(EventChangeUserData, []byte(`{"kind":"delta","id":"u1","onlineUsers":[]}`))
		require.NoError(t, err)
		assert.IsType(t, DeltaEvent{}, ev)

		ev, err = Decode(EventJoinOnlineTest, []byte(`{"kind":"snapshot"}`))
		require.NoError(t, err)
		assert.Empty(t, ev.(SnapshotEvent).Users)
	})

	t.Run("single participant", func(t *testing.T) {
		ev, err := Decode(EventJoinOnlineTest, []byte(`{"userId":"u2","joinedAt":1700000000000}`))
		require.NoError(t, err)
		join := ev.(JoinEvent)
		assert.Equal(t, "u2", join.Record.PrimaryID())
		assert.True(t, join.Record.JoinedAt.Equal(time.UnixMilli(1700000000000)))

		ev, err = Decode(EventUserJoined, []byte(`{"id":"u3","joinedAt":"2024-01-02T03:04:05Z"}`))
		require.NoError(t, err)
		assert.Equal(t, 2024, ev.(JoinEvent).Record.JoinedAt.Year())

		ev, err = Decode(EventChangeUserData, []byte(`{"id":"u1","email":"a@b.c"}`))
		require.NoError(t, err)
		delta := ev.(DeltaEvent)
		assert.Nil(t, delta.Record.FirstName)
		assert.Equal(t, "a@b.c", *delta.Record.Email)
	})

	t.Run("single participant without id is rejected", func(t *testing.T) {
		_, err := Decode(EventChangeUserData, []byte(`{"email":"a@b.c"}`))
		assert.ErrorIs(t, err, ErrMissingID)
	})

	t.Run("non-object payload is malformed", func(t *testing.T) {
		_, err := Decode(EventJoinOnlineTest, []byte(`[1,2]`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
		_, err = Decode(EventJoinOnlineTest, []byte(`{"onlineUsers":"not json"}`))
		assert.Error(t, err)
	})
}

func TestDecodeRoomEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  Event
		err   error
	}{
		{name: "left", event: EventUserLeft, data: `{"userId":"u1"}`, want: LeftEvent{UserID: "u1"}},
		{name: "left by client id", event: EventUserLeft, data: `{"clientId":7}`, want: LeftEvent{UserID: "7"}},
		{name: "left without id", event: EventUserLeft, data: `{}`, err: ErrMissingID},
		{name: "progress", event: EventProgressUpdated, data: `{"userId":"u1","progress":42.6}`, want: ProgressEvent{UserID: "u1", Progress: 42.6}},
		{name: "progress not a number", event: EventProgressUpdated, data: `{"userId":"u1","progress":"abc"}`, err: ErrMalformedEvent},
		{name: "progress missing", event: EventProgressUpdated, data: `{"userId":"u1"}`, err: ErrMalformedEvent},
		{name: "progress null", event: EventProgressUpdated, data: `{"userId":"u1","progress":null}`, err: ErrMalformedEvent},
		{name: "started", event: EventOnlineTestStarted, data: `{}`, want: TestStartedEvent{}},
		{name: "start echo", event: EventStartOnlineTest, data: ``, want: TestStartedEvent{}},
		{name: "ended", event: EventOnlineTestEnded, data: `{}`, want: TestEndedEvent{}},
		{name: "paused", event: EventTestPaused, data: `{}`, want: TestPausedEvent{}},
		{name: "resumed", event: EventTestResumed, data: `{}`, want: TestResumedEvent{}},
		{name: "error object", event: EventError, data: `{"message":"bad code"}`, want: ServerErrorEvent{Message: "bad code"}},
		{name: "error string", event: EventError, data: `"bad code"`, want: ServerErrorEvent{Message: "bad code"}},
		{name: "unknown", event: "leaderboard:updated", data: `{}`, err: ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.event, []byte(tt.data))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}
