package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aitestlab/monitor/internal/transport"
	"github.com/aitestlab/monitor/internal/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeNotifier struct {
	mu     sync.Mutex
	events int
	last   State
}

func (f *fakeNotifier) BroadcastToTestAndPublish(testID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events++
	if st, ok := payload.(State); ok {
		f.last = st
	}
}

func (f *fakeNotifier) Last() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (f *fakeRecorder) Record(testID string, changes []Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, changes...)
}

func (f *fakeRecorder) Types() []ChangeType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChangeType, len(f.changes))
	for i, c := range f.changes {
		out[i] = c.Type
	}
	return out
}

func newTestRegistry(t *testing.T, d *transporttest.Dialer, attempts int) *transport.Registry {
	t.Helper()
	reg := transport.NewRegistry(transport.Options{
		BaseURL:           "http://backend.test",
		Token:             func() string { return "tok" },
		ReconnectAttempts: attempts,
		ReconnectDelay:    10 * time.Millisecond,
		Dialer:            d,
	}, nil)
	t.Cleanup(reg.CloseAll)
	return reg
}

type sessionFixture struct {
	s        *Session
	conn     *transporttest.Conn
	dialer   *transporttest.Dialer
	notifier *fakeNotifier
	recorder *fakeRecorder
}

func newSessionFixture(t *testing.T, startTimeout time.Duration) sessionFixture {
	t.Helper()
	d := transporttest.NewDialer()
	reg := newTestRegistry(t, d, 3)
	f := sessionFixture{dialer: d, notifier: &fakeNotifier{}, recorder: &fakeRecorder{}}
	s, err := NewSession(reg, SessionConfig{TestID: "t-1", TempCode: "123456", StartTimeout: startTimeout}, f.notifier, f.recorder, nil)
	require.NoError(t, err)
	s.Open()
	t.Cleanup(s.Close)
	f.s = s
	f.conn = d.NextConn(t)
	require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventJoinOnlineTest)) == 1 }, waitFor, tick)
	return f
}

func TestNewSession(t *testing.T) {
	reg := transport.NewRegistry(transport.Options{}, nil)
	_, err := NewSession(reg, SessionConfig{TempCode: "1"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoTestID)
	_, err = NewSession(nil, SessionConfig{TestID: "t"}, nil, nil, nil)
	assert.ErrorIs(t, err, transport.ErrChannelUnavailable)
}

func TestSessionJoinRoom(t *testing.T) {
	t.Run("auto joins once with a numeric code", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		assert.JSONEq(t, `{"code":123456}`, string(f.conn.SentEvents(EventJoinOnlineTest)[0].Data))

		require.NoError(t, f.s.JoinRoom("123456"))
		require.NoError(t, f.s.JoinRoom(" 123456 "))
		assert.Len(t, f.conn.SentEvents(EventJoinOnlineTest), 1)
		assert.True(t, f.s.State("").Loading)
	})

	t.Run("non numeric codes are sent as strings", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		require.NoError(t, f.s.JoinRoom("AB-12"))
		require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventJoinOnlineTest)) == 2 }, waitFor, tick)
		assert.JSONEq(t, `{"code":"AB-12"}`, string(f.conn.SentEvents(EventJoinOnlineTest)[1].Data))
	})

	t.Run("each joined code is sent once", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		require.NoError(t, f.s.JoinRoom("654321"))
		require.NoError(t, f.s.JoinRoom("123456"))
		require.NoError(t, f.s.JoinRoom("654321"))
		require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventJoinOnlineTest)) == 2 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, f.conn.SentEvents(EventJoinOnlineTest), 2)
	})

	t.Run("rejoins the last room after a reconnect", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		require.NoError(t, f.s.JoinRoom("654321"))
		require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventJoinOnlineTest)) == 2 }, waitFor, tick)

		f.conn.Close()
		next := f.dialer.NextConn(t)
		require.Eventually(t, func() bool { return len(next.SentEvents(EventJoinOnlineTest)) == 1 }, waitFor, tick)
		assert.JSONEq(t, `{"code":654321}`, string(next.SentEvents(EventJoinOnlineTest)[0].Data))

		require.NoError(t, f.s.JoinRoom("654321"))
		assert.Len(t, next.SentEvents(EventJoinOnlineTest), 1)
	})

	t.Run("empty code", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		assert.ErrorIs(t, f.s.JoinRoom(" "), ErrNoTempCode)
	})

	t.Run("not connected", func(t *testing.T) {
		d := transporttest.NewDialer()
		d.Fail(100)
		reg := newTestRegistry(t, d, 0)
		s, err := NewSession(reg, SessionConfig{TestID: "t-1", TempCode: "1"}, nil, nil, nil)
		require.NoError(t, err)
		s.Open()
		defer s.Close()

		assert.ErrorIs(t, s.JoinRoom("1"), ErrNotConnected)
		require.Eventually(t, func() bool { return s.State("").Error != "" }, waitFor, tick)
		assert.Contains(t, s.State("").Error, "connection refused")
		assert.False(t, s.State("").Connected)
	})
}

func TestSessionParticipantEvents(t *testing.T) {
	f := newSessionFixture(t, time.Second)
	r := f.s.Participants()

	f.conn.Push(EventJoinOnlineTest, `{"onlineUsers":[{"id":"u1","firstName":"Ana","lastName":"Lee","email":"ana@x.io"},{"id":"u2","status":"pending"}]}`)
	require.Eventually(t, func() bool { return r.Len() == 2 }, waitFor, tick)
	assert.False(t, f.s.State("").Loading)

	f.conn.Push(EventProgressUpdated, `{"userId":"u1","progress":"abc"}`)
	f.conn.Push(EventProgressUpdated, `{"userId":"ghost","progress":90}`)
	f.conn.Push(EventProgressUpdated, `{"userId":"u1","progress":45}`)
	require.Eventually(t, func() bool {
		p, _ := r.Get("u1")
		return p.Progress == 45
	}, waitFor, tick)
	assert.Equal(t, 2, r.Len())

	f.conn.Push(EventProgressUpdated, `{"userId":"u1","progress":null}`)
	f.conn.Push(EventChangeUserData, `{"id":"u2","firstName":"Bo","lastName":"Kim","email":"bo@x.io"}`)
	f.conn.Push(EventUserLeft, `{"userId":"u1"}`)
	require.Eventually(t, func() bool {
		p, _ := r.Get("u1")
		return p.Status == StatusLeft
	}, waitFor, tick)
	p, _ := r.Get("u1")
	assert.Equal(t, 45, p.Progress, "null progress is ignored")
	p, _ = r.Get("u2")
	assert.Equal(t, StatusActive, p.Status)

	require.Eventually(t, func() bool { return len(f.recorder.Types()) == 5 }, waitFor, tick)
	assert.Equal(t, []ChangeType{ChangeJoined, ChangeJoined, ChangeUpdated, ChangeUpdated, ChangeLeft}, f.recorder.Types())
	require.Eventually(t, func() bool { return len(f.notifier.Last().Participants) == 2 }, waitFor, tick)
	assert.Equal(t, 45, f.notifier.Last().Participants[0].Progress)
}

func TestSessionStartTest(t *testing.T) {
	t.Run("acknowledged by the server", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		type result struct {
			ack bool
			err error
		}
		done := make(chan result, 1)
		go func() {
			ack, err := f.s.StartTest(context.Background(), 30)
			done <- result{ack, err}
		}()

		require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventStartOnlineTest)) == 1 }, waitFor, tick)
		assert.JSONEq(t, `{"code":123456,"testDuration":30}`, string(f.conn.SentEvents(EventStartOnlineTest)[0].Data))
		f.conn.Push(EventOnlineTestStarted, `{}`)

		res := <-done
		require.NoError(t, res.err)
		assert.True(t, res.ack)
		assert.True(t, f.s.State("").Started)
		assert.ErrorIs(t, f.s.JoinRoom("654321"), ErrTestStarted)
		_, err := f.s.StartTest(context.Background(), 30)
		assert.ErrorIs(t, err, ErrTestStarted)
	})

	t.Run("assumed started after the timeout", func(t *testing.T) {
		f := newSessionFixture(t, 30*time.Millisecond)
		ack, err := f.s.StartTest(context.Background(), 10)
		require.NoError(t, err)
		assert.False(t, ack)
		assert.True(t, f.s.State("").Started)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		f := newSessionFixture(t, time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.s.StartTest(ctx, 10)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, f.s.State("").Started)
	})
}

func TestSessionControls(t *testing.T) {
	f := newSessionFixture(t, time.Second)

	require.NoError(t, f.s.PauseTest())
	assert.True(t, f.s.State("").Paused)
	require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventPauseTest)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"testId":"t-1"}`, string(f.conn.SentEvents(EventPauseTest)[0].Data))

	f.conn.Push(EventTestResumed, `{}`)
	require.Eventually(t, func() bool { return !f.s.State("").Paused }, waitFor, tick)

	require.NoError(t, f.s.ResumeTest())
	f.conn.Push(EventTestPaused, `{}`)
	require.Eventually(t, func() bool { return f.s.State("").Paused }, waitFor, tick)

	f.conn.Push(EventOnlineTestEnded, `{}`)
	require.Eventually(t, func() bool { return f.s.State("").Ended }, waitFor, tick)

	f.conn.Push(EventError, `{"message":"invalid code"}`)
	require.Eventually(t, func() bool { return f.s.State("").Error == "invalid code" }, waitFor, tick)
}

func TestSessionFinishTest(t *testing.T) {
	f := newSessionFixture(t, time.Second)
	require.NoError(t, f.s.PauseTest())

	require.NoError(t, f.s.FinishTest())
	st := f.s.State("")
	assert.True(t, st.Ended)
	assert.False(t, st.Paused)
	require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventFinishOnlineTest)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"testId":"t-1","code":123456}`, string(f.conn.SentEvents(EventFinishOnlineTest)[0].Data))

	f.s.Close()
	assert.ErrorIs(t, f.s.FinishTest(), ErrSessionClosed)
}

func TestSessionRemoveParticipant(t *testing.T) {
	f := newSessionFixture(t, time.Second)
	f.conn.Push(EventJoinOnlineTest, `{"onlineUsers":[{"id":"u1","userId":"user-1"},{"id":"u2"}]}`)
	require.Eventually(t, func() bool { return f.s.Participants().Len() == 2 }, waitFor, tick)

	require.NoError(t, f.s.RemoveParticipant("u1"))
	assert.Equal(t, 1, f.s.Participants().Len(), "removed before any acknowledgment")
	require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventRemoveParticipant)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"testId":"t-1","userId":"user-1"}`, string(f.conn.SentEvents(EventRemoveParticipant)[0].Data))

	assert.ErrorIs(t, f.s.RemoveParticipant("u1"), ErrParticipantNotFound)
}

func TestSessionClose(t *testing.T) {
	f := newSessionFixture(t, time.Second)
	f.s.Close()
	f.s.Close()
	require.Eventually(t, func() bool { return len(f.conn.SentEvents(EventLeaveOnlineTest)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"code":123456}`, string(f.conn.SentEvents(EventLeaveOnlineTest)[0].Data))

	f.conn.Push(EventJoinOnlineTest, `{"onlineUsers":[{"id":"u1"}]}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.s.Participants().Len())
	assert.ErrorIs(t, f.s.PauseTest(), ErrSessionClosed)
}

func TestManager(t *testing.T) {
	d := transporttest.NewDialer()
	reg := newTestRegistry(t, d, 3)
	m := NewManager(reg, 30*time.Millisecond, nil, nil, nil)
	t.Cleanup(m.CloseAll)

	s, created, err := m.Open("t-1", "123456")
	require.NoError(t, err)
	assert.True(t, created)
	conn := d.NextConn(t)

	again, created, err := m.Open("t-1", "123456")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)

	_, _, err = m.Open("t-2", "1")
	assert.ErrorIs(t, err, ErrSessionActive)
	_, err = m.Get("t-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.Eventually(t, func() bool { return s.State("").Connected }, waitFor, tick)
	ctx := context.Background()
	require.NoError(t, m.HandleControl(ctx, "t-1", ControlPause, nil))
	require.NoError(t, m.HandleControl(ctx, "t-1", ControlStart, json.RawMessage(`{"duration":5}`)))
	assert.True(t, s.State("").Started)
	assert.ErrorIs(t, m.HandleControl(ctx, "t-1", "explode", nil), ErrUnknownControl)
	assert.ErrorIs(t, m.HandleControl(ctx, "t-1", ControlRemove, json.RawMessage(`{"participantId":"x"}`)), ErrParticipantNotFound)
	assert.ErrorIs(t, m.HandleControl(ctx, "t-9", ControlPause, nil), ErrSessionNotFound)
	require.Eventually(t, func() bool { return len(conn.SentEvents(EventPauseTest)) == 1 }, waitFor, tick)

	require.NoError(t, m.HandleControl(ctx, "t-1", ControlFinish, nil))
	assert.True(t, s.State("").Ended)

	require.NoError(t, m.Close("t-1"))
	assert.ErrorIs(t, m.Close("t-1"), ErrSessionNotFound)
	require.Eventually(t, func() bool { return len(conn.SentEvents(EventLeaveOnlineTest)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"code":123456}`, string(conn.SentEvents(EventLeaveOnlineTest)[0].Data))

	next, created, err := m.Open("t-2", "1")
	require.NoError(t, err)
	assert.True(t, created)
	require.Eventually(t, func() bool { return len(conn.SentEvents(EventJoinOnlineTest)) == 2 }, waitFor, tick)

	// The old room is left before the new one is joined.
	var order []string
	for _, msg := range conn.Sent() {
		if msg.Event == EventLeaveOnlineTest || msg.Event == EventJoinOnlineTest {
			order = append(order, msg.Event+" "+string(msg.Data))
		}
	}
	assert.Equal(t, []string{
		EventJoinOnlineTest + ` {"code":123456}`,
		EventLeaveOnlineTest + ` {"code":123456}`,
		EventJoinOnlineTest + ` {"code":1}`,
	}, order)

	conn.Push(EventJoinOnlineTest, `{"onlineUsers":[{"id":"n1"}]}`)
	require.Eventually(t, func() bool { return next.Participants().Len() == 1 }, waitFor, tick)
	assert.Equal(t, 0, s.Participants().Len())
	assert.False(t, next.State("").Started)
}
