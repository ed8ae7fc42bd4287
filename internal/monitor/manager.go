package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aitestlab/monitor/internal/transport"
)

var (
	ErrSessionActive   = errors.New("another test is being monitored")
	ErrSessionNotFound = errors.New("no monitor session for test")
	ErrUnknownControl  = errors.New("unknown control event")
)

// Control events sent by dashboards.
const (
	ControlJoin   = "join:test"
	ControlStart  = "start:test"
	ControlPause  = "pause:test"
	ControlResume = "resume:test"
	ControlFinish = "finish:test"
	ControlRemove = "remove:participant"
)

// Manager owns the monitor session of the process. Room events on the shared
// channel carry no room id, so only one session can be open at a time.
type Manager struct {
	reg          *transport.Registry
	startTimeout time.Duration
	notifier     Notifier
	recorder     Recorder
	logger       *zap.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager; notifier and recorder may be nil.
func NewManager(reg *transport.Registry, startTimeout time.Duration, notifier Notifier, recorder Recorder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		reg:          reg,
		startTimeout: startTimeout,
		notifier:     notifier,
		recorder:     recorder,
		logger:       logger,
	}
}

// Open starts monitoring testID. Opening the test already monitored returns
// its session and created=false.
func (m *Manager) Open(testID, tempCode string) (s *Session, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if m.current.TestID() == testID {
			return m.current, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrSessionActive, m.current.TestID())
	}
	s, err = NewSession(m.reg, SessionConfig{
		TestID:       testID,
		TempCode:     tempCode,
		StartTimeout: m.startTimeout,
	}, m.notifier, m.recorder, m.logger)
	if err != nil {
		return nil, false, err
	}
	s.Open()
	m.current = s
	m.logger.Info("monitor session opened", zap.String("test_id", testID))
	return s, true, nil
}

// Get returns the open session for testID.
func (m *Manager) Get(testID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.TestID() != testID {
		return nil, ErrSessionNotFound
	}
	return m.current, nil
}

// Close ends monitoring of testID.
func (m *Manager) Close(testID string) error {
	m.mu.Lock()
	s := m.current
	if s == nil || s.TestID() != testID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.current = nil
	m.mu.Unlock()
	s.Close()
	return nil
}

// CloseAll closes the open session, if any.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

type controlPayload struct {
	Code          string `json:"code"`
	Duration      int    `json:"duration"`
	ParticipantID string `json:"participantId"`
}

// HandleControl runs a control intent received from a dashboard.
func (m *Manager) HandleControl(ctx context.Context, testID, event string, data json.RawMessage) error {
	s, err := m.Get(testID)
	if err != nil {
		return err
	}
	var p controlPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
	}
	switch event {
	case ControlJoin:
		return s.JoinRoom(firstNonEmpty(p.Code, s.cfg.TempCode))
	case ControlStart:
		_, err := s.StartTest(ctx, p.Duration)
		return err
	case ControlPause:
		return s.PauseTest()
	case ControlResume:
		return s.ResumeTest()
	case ControlFinish:
		return s.FinishTest()
	case ControlRemove:
		return s.RemoveParticipant(p.ParticipantID)
	}
	return fmt.Errorf("%s: %w", event, ErrUnknownControl)
}
