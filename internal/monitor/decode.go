package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Inbound and outbound events on the online-test channel.
const (
	EventJoinOnlineTest    = "join:online:test"
	EventLeaveOnlineTest   = "leave:online:test"
	EventChangeUserData    = "change:user:data"
	EventUserJoined        = "user:joined"
	EventUserLeft          = "user:left"
	EventProgressUpdated   = "progress:updated"
	EventStartOnlineTest   = "start:online:test"
	EventOnlineTestStarted = "online:test:started"
	EventFinishOnlineTest  = "finish:online:test"
	EventOnlineTestEnded   = "online:test:ended"
	EventPauseTest         = "pause:test"
	EventResumeTest        = "resume:test"
	EventTestPaused        = "test:paused"
	EventTestResumed       = "test:resumed"
	EventRemoveParticipant = "remove:participant"
	EventError             = "error"
)

// InboundEvents lists the events a session subscribes to.
var InboundEvents = []string{
	EventJoinOnlineTest,
	EventChangeUserData,
	EventUserJoined,
	EventUserLeft,
	EventProgressUpdated,
	EventStartOnlineTest,
	EventOnlineTestStarted,
	EventOnlineTestEnded,
	EventTestPaused,
	EventTestResumed,
	EventError,
}

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrMissingID      = errors.New("missing participant id")
	ErrUnknownEvent   = errors.New("unknown event")
)

// ID is a participant identifier that the backend sends as a string or a number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp accepts RFC 3339 strings or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("joinedAt: %w", err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("joinedAt: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

// Record is one participant as sent by the backend. Nil fields were absent.
type Record struct {
	ID        ID         `json:"id"`
	UserID    ID         `json:"userId"`
	ClientID  ID         `json:"clientId"`
	FirstName *string    `json:"firstName"`
	LastName  *string    `json:"lastName"`
	Email     *string    `json:"email"`
	Status    *string    `json:"status"`
	Progress  *float64   `json:"progress"`
	JoinedAt  *Timestamp `json:"joinedAt"`
}

// PrimaryID returns id, else userId, else clientId.
func (r Record) PrimaryID() string {
	return firstNonEmpty(string(r.ID), string(r.UserID), string(r.ClientID))
}

// keys returns every correlation id the record carries.
func (r Record) keys() []string {
	var out []string
	for _, k := range []ID{r.ID, r.UserID, r.ClientID} {
		if k != "" {
			out = append(out, string(k))
		}
	}
	return out
}

// Event is one decoded inbound event.
type Event interface {
	eventName() string
}

// SnapshotEvent carries the full list of currently known participants.
type SnapshotEvent struct {
	Source string
	Users  []Record
}

// JoinEvent announces a single participant joining.
type JoinEvent struct {
	Record Record
}

// DeltaEvent carries changed fields of one participant.
type DeltaEvent struct {
	Record Record
}

// LeftEvent reports a participant leaving.
type LeftEvent struct {
	UserID string
}

// ProgressEvent reports a participant's completion percentage.
type ProgressEvent struct {
	UserID   string
	Progress float64
}

// TestStartedEvent acknowledges the test start.
type TestStartedEvent struct{}

// TestEndedEvent reports the end of the test.
type TestEndedEvent struct{}

// TestPausedEvent and TestResumedEvent echo pause/resume.
type TestPausedEvent struct{}
type TestResumedEvent struct{}

// ServerErrorEvent is an error reported by the backend.
type ServerErrorEvent struct {
	Message string
}

func (SnapshotEvent) eventName() string    { return "snapshot" }
func (JoinEvent) eventName() string        { return "join" }
func (DeltaEvent) eventName() string       { return "delta" }
func (LeftEvent) eventName() string        { return "left" }
func (ProgressEvent) eventName() string    { return "progress" }
func (TestStartedEvent) eventName() string { return "started" }
func (TestEndedEvent) eventName() string   { return "ended" }
func (TestPausedEvent) eventName() string  { return "paused" }
func (TestResumedEvent) eventName() string { return "resumed" }
func (ServerErrorEvent) eventName() string { return "error" }

const (
	kindSnapshot = "snapshot"
	kindDelta    = "delta"
)

// participantPayload is the shared shape of join and change-user-data events.
type participantPayload struct {
	Kind        string          `json:"kind"`
	OnlineUsers json.RawMessage `json:"onlineUsers"`
	Record
}

type progressPayload struct {
	UserID   ID              `json:"userId"`
	ClientID ID              `json:"clientId"`
	Progress json.RawMessage `json:"progress"`
}

// Decode validates an inbound event and returns its typed form.
//
// join:online:test and change:user:data carry either the full participant
// list or one participant. An explicit "kind" of "snapshot" or "delta" wins;
// otherwise the presence of onlineUsers marks a snapshot.
func Decode(event string, data []byte) (Event, error) {
	switch event {
	case EventJoinOnlineTest, EventChangeUserData, EventUserJoined:
		return decodeParticipant(event, data)
	case EventUserLeft:
		var p struct {
			UserID   ID `json:"userId"`
			ClientID ID `json:"clientId"`
		}
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(string(p.UserID), string(p.ClientID))
		if id == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrMissingID)
		}
		return LeftEvent{UserID: id}, nil
	case EventProgressUpdated:
		var p progressPayload
		if err := unmarshalObject(data, &p); err != nil {
			return nil, err
		}
		id := firstNonEmpty(string(p.UserID), string(p.ClientID))
		if id == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrMissingID)
		}
		var progress *float64
		if len(p.Progress) == 0 || json.Unmarshal(p.Progress, &progress) != nil || progress == nil {
			return nil, fmt.Errorf("%s: progress is not a number: %w", event, ErrMalformedEvent)
		}
		return ProgressEvent{UserID: id, Progress: *progress}, nil
	case EventStartOnlineTest, EventOnlineTestStarted:
		return TestStartedEvent{}, nil
	case EventOnlineTestEnded:
		return TestEndedEvent{}, nil
	case EventTestPaused:
		return TestPausedEvent{}, nil
	case EventTestResumed:
		return TestResumedEvent{}, nil
	case EventError:
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
			var s string
			if json.Unmarshal(data, &s) == nil {
				p.Message = s
			}
		}
		return ServerErrorEvent{Message: p.Message}, nil
	}
	return nil, fmt.Errorf("%s: %w", event, ErrUnknownEvent)
}

func decodeParticipant(event string, data []byte) (Event, error) {
	var p participantPayload
	if err := unmarshalObject(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", event, err)
	}

	snapshot := len(p.OnlineUsers) > 0 && !bytes.Equal(bytes.TrimSpace(p.OnlineUsers), []byte("null"))
	switch strings.ToLower(p.Kind) {
	case kindSnapshot:
		snapshot = true
	case kindDelta:
		snapshot = false
	}

	if snapshot {
		users, err := decodeUsers(p.OnlineUsers)
		if err != nil {
			return nil, fmt.Errorf("%s: onlineUsers: %w", event, err)
		}
		return SnapshotEvent{Source: event, Users: users}, nil
	}

	if p.Record.PrimaryID() == "" {
		return nil, fmt.Errorf("%s: %w", event, ErrMissingID)
	}
	if event == EventChangeUserData {
		return DeltaEvent{Record: p.Record}, nil
	}
	return JoinEvent{Record: p.Record}, nil
}

// decodeUsers accepts an array or a JSON string holding an array.
func decodeUsers(raw json.RawMessage) ([]Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = []byte(s)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	users := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			// one bad entry does not spoil the rest of the list
			continue
		}
		users = append(users, rec)
	}
	return users, nil
}

func unmarshalObject(data []byte, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
