package monitor

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a participant's state in a live test.
type Status string

const (
	StatusJoining    Status = "joining"
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusLeft       Status = "left"
	StatusSuspicious Status = "suspicious"

	statusPending = "pending"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusJoining, StatusActive, StatusIdle, StatusLeft, StatusSuspicious}

// ParseStatus maps a wire status to a Status. "pending" and empty become
// joining; ok is false for strings that are not statuses at all.
func ParseStatus(s string) (status Status, ok bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", statusPending:
		return StatusJoining, true
	case StatusJoining:
		return StatusJoining, true
	case StatusActive:
		return StatusActive, true
	case StatusIdle:
		return StatusIdle, true
	case StatusLeft:
		return StatusLeft, true
	case StatusSuspicious:
		return StatusSuspicious, true
	}
	return StatusJoining, false
}

// Participant is one attendee of a live test, ready for display.
type Participant struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// HasFullName reports whether both first and last name are known.
func (p Participant) HasFullName() bool {
	return p.FirstName != "" && p.LastName != ""
}

// IdentityComplete reports whether the profile has resolved.
func (p Participant) IdentityComplete() bool {
	return p.HasFullName() && p.Email != ""
}

// DisplayName builds the name shown for a participant.
func DisplayName(id, firstName, lastName string) string {
	if name := strings.TrimSpace(firstName + " " + lastName); name != "" {
		return name
	}
	frag := id
	if len(frag) > 6 {
		frag = frag[:6]
	}
	return "Participant " + frag
}

// Normalize turns a wire record into a Participant. now is used when the
// record carries no join time.
func Normalize(rec Record, now time.Time) Participant {
	id := rec.PrimaryID()
	if id == "" {
		id = placeholderID()
	}
	p := Participant{
		ID:        id,
		UserID:    firstNonEmpty(string(rec.UserID), id),
		ClientID:  firstNonEmpty(string(rec.ClientID), id),
		FirstName: deref(rec.FirstName),
		LastName:  deref(rec.LastName),
		Email:     deref(rec.Email),
		JoinedAt:  now,
	}
	if rec.JoinedAt != nil && !rec.JoinedAt.IsZero() {
		p.JoinedAt = rec.JoinedAt.Time
	}
	if rec.Progress != nil {
		p.Progress = clampProgress(*rec.Progress)
	}
	p.Status = initialStatus(rec.Status, p)
	p.Name = DisplayName(p.ID, p.FirstName, p.LastName)
	return p
}

// initialStatus applies the wire status; a profile that has resolved without
// an explicit status counts as active.
func initialStatus(raw *string, p Participant) Status {
	if raw != nil && strings.EqualFold(strings.TrimSpace(*raw), statusPending) {
		return StatusJoining
	}
	status := StatusJoining
	if raw != nil {
		status, _ = ParseStatus(*raw)
	}
	if status == StatusJoining && p.IdentityComplete() {
		return StatusActive
	}
	return status
}

func placeholderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

func clampProgress(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
