package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aitestlab/monitor/internal/transport"
)

const (
	DefaultStartTimeout = 3 * time.Second

	// EventParticipants is broadcast to dashboards after every state change.
	EventParticipants = "participants"
)

var (
	ErrNotConnected        = errors.New("not connected to the test server")
	ErrTestStarted         = errors.New("test already started")
	ErrNoTempCode          = errors.New("temp code is required")
	ErrNoTestID            = errors.New("test id is required")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionClosed       = errors.New("session closed")
)

// Notifier receives the session state after every change.
type Notifier interface {
	BroadcastToTestAndPublish(testID string, event string, payload interface{})
}

// Recorder receives participant changes, e.g. for attendance.
type Recorder interface {
	Record(testID string, changes []Change)
}

// SessionConfig identifies the monitored test.
type SessionConfig struct {
	TestID       string
	TempCode     string
	StartTimeout time.Duration
}

// State is the monitor view of one test.
type State struct {
	TestID       string        `json:"testId"`
	TempCode     string        `json:"tempCode"`
	Connected    bool          `json:"connected"`
	Error        string        `json:"error,omitempty"`
	Loading      bool          `json:"loading"`
	Started      bool          `json:"started"`
	Ended        bool          `json:"ended"`
	Paused       bool          `json:"paused"`
	Participants []Participant `json:"participants"`
	Stats        Stats         `json:"stats"`
}

// Session monitors one live test over the online-test channel.
type Session struct {
	cfg          SessionConfig
	reg          *transport.Registry
	participants *Reconciler
	notifier     Notifier
	recorder     Recorder
	logger       *zap.Logger

	mu        sync.Mutex
	binding   *transport.Binding
	joined    map[string]struct{} // rooms joined on the current connection
	lastCode  string
	loading   bool
	started   bool
	ended     bool
	paused    bool
	serverErr string
	startAck  chan struct{}
	closed    bool
}

// NewSession prepares a session; Open connects it.
func NewSession(reg *transport.Registry, cfg SessionConfig, notifier Notifier, recorder Recorder, logger *zap.Logger) (*Session, error) {
	if reg == nil {
		return nil, transport.ErrChannelUnavailable
	}
	cfg.TestID = strings.TrimSpace(cfg.TestID)
	cfg.TempCode = strings.TrimSpace(cfg.TempCode)
	if cfg.TestID == "" {
		return nil, ErrNoTestID
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("test_id", cfg.TestID))
	return &Session{
		cfg:          cfg,
		reg:          reg,
		participants: NewReconciler(logger),
		notifier:     notifier,
		recorder:     recorder,
		logger:       logger,
		joined:       make(map[string]struct{}),
		loading:      true,
	}, nil
}

// TestID returns the monitored test id.
func (s *Session) TestID() string { return s.cfg.TestID }

// Participants exposes the reconciled list.
func (s *Session) Participants() *Reconciler { return s.participants }

// Open binds the online-test channel, subscribes to room events and joins the
// room with the temp code once connected.
func (s *Session) Open() {
	s.mu.Lock()
	if s.binding != nil || s.closed {
		s.mu.Unlock()
		return
	}
	b := transport.Bind(s.reg, transport.NamespaceOnlineTest, s.logger)
	s.binding = b
	s.mu.Unlock()

	for _, event := range InboundEvents {
		b.On(event, s.handler(event))
	}
	b.On(transport.EventConnect, func(json.RawMessage) { s.autoJoin() })
	b.On(transport.EventDisconnect, func(json.RawMessage) {
		// Server rooms belong to the connection; rejoin on the next connect.
		s.mu.Lock()
		s.joined = make(map[string]struct{})
		s.mu.Unlock()
		s.publish(nil)
	})
	b.On(transport.EventConnectError, func(json.RawMessage) { s.publish(nil) })

	if b.Connected() {
		s.autoJoin()
	}
}

func (s *Session) autoJoin() {
	s.mu.Lock()
	code := firstNonEmpty(s.lastCode, s.cfg.TempCode)
	s.mu.Unlock()
	if code == "" {
		return
	}
	if err := s.join(code, true); err != nil {
		s.logger.Warn("auto join failed", zap.Error(err))
	}
	s.publish(nil)
}

// Close leaves the joined rooms and releases the session's subscriptions.
// The shared channel stays open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	b := s.binding
	codes := make([]string, 0, len(s.joined))
	for code := range s.joined {
		codes = append(codes, code)
	}
	s.joined = make(map[string]struct{})
	s.mu.Unlock()
	if b != nil {
		if b.Connected() {
			for _, code := range codes {
				b.Emit(EventLeaveOnlineTest, map[string]interface{}{"code": wireCode(code)})
			}
		}
		b.Close()
	}
	s.logger.Info("monitor session closed")
}

func (s *Session) connected() (*transport.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.binding == nil || !s.binding.Connected() {
		return nil, ErrNotConnected
	}
	return s.binding, nil
}

// JoinRoom asks the server to join the room of code. Each code is sent once
// per connection; repeated calls with a joined code do nothing.
func (s *Session) JoinRoom(code string) error {
	return s.join(code, false)
}

// join emits the join request. A rejoin after a reconnect is allowed once the
// test has started.
func (s *Session) join(code string, rejoin bool) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNoTempCode
	}
	b, err := s.connected()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !rejoin {
		return ErrTestStarted
	}
	if _, ok := s.joined[code]; ok {
		return nil
	}
	if !b.Emit(EventJoinOnlineTest, map[string]interface{}{"code": wireCode(code)}) {
		return ErrNotConnected
	}
	s.joined[code] = struct{}{}
	s.lastCode = code
	s.loading = true
	s.logger.Info("joined test room", zap.String("code", code))
	return nil
}

// StartTest starts the test for durationMinutes and waits for the server to
// confirm. Without confirmation within the start timeout the test is assumed
// started and acknowledged is false.
func (s *Session) StartTest(ctx context.Context, durationMinutes int) (acknowledged bool, err error) {
	b, err := s.connected()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return false, ErrTestStarted
	}
	ack := make(chan struct{})
	s.startAck = ack
	code := firstNonEmpty(s.lastCode, s.cfg.TempCode)
	s.mu.Unlock()

	payload := map[string]interface{}{"code": wireCode(code), "testDuration": durationMinutes}
	if !b.Emit(EventStartOnlineTest, payload) {
		s.clearStartAck(ack)
		return false, ErrNotConnected
	}

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return true, nil
	case <-timer.C:
		s.logger.Warn("no start confirmation from server, assuming started",
			zap.Duration("timeout", s.cfg.StartTimeout))
		s.clearStartAck(ack)
		s.markStarted()
		return false, nil
	case <-ctx.Done():
		s.clearStartAck(ack)
		return false, ctx.Err()
	}
}

func (s *Session) clearStartAck(ack chan struct{}) {
	s.mu.Lock()
	if s.startAck == ack {
		s.startAck = nil
	}
	s.mu.Unlock()
}

func (s *Session) markStarted() {
	s.mu.Lock()
	s.started = true
	s.ended = false
	if s.startAck != nil {
		close(s.startAck)
		s.startAck = nil
	}
	s.mu.Unlock()
	s.publish(nil)
}

// FinishTest ends the test for every participant before its time is up.
func (s *Session) FinishTest() error {
	b, err := s.connected()
	if err != nil {
		return err
	}
	s.mu.Lock()
	code := firstNonEmpty(s.lastCode, s.cfg.TempCode)
	s.mu.Unlock()
	if !b.Emit(EventFinishOnlineTest, map[string]interface{}{"testId": s.cfg.TestID, "code": wireCode(code)}) {
		return ErrNotConnected
	}
	s.mu.Lock()
	s.ended = true
	s.paused = false
	s.mu.Unlock()
	s.publish(nil)
	return nil
}

// PauseTest pauses the running test for every participant.
func (s *Session) PauseTest() error { return s.setPaused(EventPauseTest, true) }

// ResumeTest resumes a paused test.
func (s *Session) ResumeTest() error { return s.setPaused(EventResumeTest, false) }

func (s *Session) setPaused(event string, paused bool) error {
	b, err := s.connected()
	if err != nil {
		return err
	}
	if !b.Emit(event, map[string]string{"testId": s.cfg.TestID}) {
		return ErrNotConnected
	}
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.publish(nil)
	return nil
}

// RemoveParticipant asks the server to remove a participant and drops it from
// the local list without waiting for an answer.
func (s *Session) RemoveParticipant(id string) error {
	b, err := s.connected()
	if err != nil {
		return err
	}
	p, ok := s.participants.Get(id)
	if !ok {
		return ErrParticipantNotFound
	}
	if !b.Emit(EventRemoveParticipant, map[string]string{"testId": s.cfg.TestID, "userId": p.UserID}) {
		return ErrNotConnected
	}
	s.publish(s.participants.Remove(p.ID))
	return nil
}

// State returns the current view, filtered by q when non-empty.
func (s *Session) State(q string) State {
	s.mu.Lock()
	st := State{
		TestID:   s.cfg.TestID,
		TempCode: s.cfg.TempCode,
		Loading:  s.loading,
		Started:  s.started,
		Ended:    s.ended,
		Paused:   s.paused,
		Error:    s.serverErr,
	}
	b := s.binding
	s.mu.Unlock()

	if b != nil {
		st.Connected = b.Connected()
		if err := b.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	st.Participants = s.participants.Filter(q)
	st.Stats = s.participants.Stats()
	return st
}

func (s *Session) handler(event string) transport.Handler {
	return func(data json.RawMessage) {
		ev, err := Decode(event, data)
		if err != nil {
			s.logger.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
			return
		}
		s.apply(ev)
	}
}

func (s *Session) apply(ev Event) {
	var changes []Change
	switch e := ev.(type) {
	case SnapshotEvent:
		changes = s.participants.ApplySnapshot(e.Users)
		s.setLoading(false)
	case JoinEvent:
		changes = s.participants.ApplyJoin(e.Record)
		s.setLoading(false)
	case DeltaEvent:
		changes = s.participants.ApplyDelta(e.Record)
	case LeftEvent:
		changes = s.participants.MarkLeft(e.UserID)
	case ProgressEvent:
		changes = s.participants.UpdateProgress(e.UserID, e.Progress)
	case TestStartedEvent:
		s.markStarted()
		return
	case TestEndedEvent:
		s.mu.Lock()
		s.ended = true
		s.paused = false
		s.mu.Unlock()
	case TestPausedEvent:
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	case TestResumedEvent:
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
	case ServerErrorEvent:
		s.logger.Warn("server reported an error", zap.String("message", e.Message))
		s.mu.Lock()
		s.serverErr = e.Message
		s.loading = false
		s.mu.Unlock()
	}
	s.publish(changes)
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Session) publish(changes []Change) {
	if len(changes) > 0 && s.recorder != nil {
		s.recorder.Record(s.cfg.TestID, changes)
	}
	if s.notifier != nil {
		s.notifier.BroadcastToTestAndPublish(s.cfg.TestID, EventParticipants, s.State(""))
	}
}

// wireCode sends numeric codes as JSON numbers.
func wireCode(code string) interface{} {
	if n, err := strconv.ParseInt(code, 10, 64); err == nil {
		return n
	}
	return code
}
