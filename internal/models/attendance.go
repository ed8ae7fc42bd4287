package models

import "time"

// Attendance is one join/leave span of a participant in a live test.
type Attendance struct {
	ID              int64      `json:"id"`
	TestID          string     `json:"test_id"`
	ParticipantID   string     `json:"participant_id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	LastProgress    int        `json:"last_progress"`
	Removed         bool       `json:"removed"`
}

// AttendanceSummary aggregates the attendance of one test.
type AttendanceSummary struct {
	Participants       int   `json:"participants"`
	StillPresent       int   `json:"still_present"`
	TotalSeconds       int64 `json:"total_seconds"`
	AverageSeconds     int64 `json:"average_seconds"`
	RemovedByOperators int   `json:"removed_by_operators"`
}
