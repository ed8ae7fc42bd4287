package attendance

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aitestlab/monitor/internal/models"
	"github.com/aitestlab/monitor/internal/monitor"
)

// Repository handles participant_attendance.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin opens an attendance span unless the participant already has one open.
func (r *Repository) LogJoin(ctx context.Context, testID string, p monitor.Participant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participant_attendance (test_id, participant_id, name, email, joined_at, last_progress)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE NOT EXISTS (
		     SELECT 1 FROM participant_attendance
		     WHERE test_id = $1 AND participant_id = $2 AND left_at IS NULL)`,
		testID, p.ID, p.Name, p.Email, p.JoinedAt, p.Progress)
	return err
}

// LogLeave closes the most recent open span of the participant.
func (r *Repository) LogLeave(ctx context.Context, testID string, p monitor.Participant, removed bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE participant_attendance a
		 SET left_at = NOW(),
		     duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - a.joined_at))::BIGINT),
		     last_progress = $3,
		     removed = $4
		 FROM (SELECT id FROM participant_attendance
		       WHERE test_id = $1 AND participant_id = $2 AND left_at IS NULL
		       ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE a.id = sub.id`,
		testID, p.ID, p.Progress, removed)
	return err
}

// ListByTest returns every attendance span of a test, newest first.
func (r *Repository) ListByTest(ctx context.Context, testID string) ([]models.Attendance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, participant_id, name, email, joined_at, left_at, duration_seconds, last_progress, removed
		 FROM participant_attendance WHERE test_id = $1 ORDER BY joined_at DESC`,
		testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Attendance{}
	for rows.Next() {
		var a models.Attendance
		if err := rows.Scan(&a.ID, &a.TestID, &a.ParticipantID, &a.Name, &a.Email,
			&a.JoinedAt, &a.LeftAt, &a.DurationSeconds, &a.LastProgress, &a.Removed); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// Summary aggregates the attendance of a test.
func (r *Repository) Summary(ctx context.Context, testID string) (*models.AttendanceSummary, error) {
	const q = `SELECT COUNT(DISTINCT participant_id),
	                  COUNT(*) FILTER (WHERE left_at IS NULL),
	                  COALESCE(SUM(duration_seconds), 0),
	                  COUNT(*) FILTER (WHERE removed)
	           FROM participant_attendance WHERE test_id = $1`
	var s models.AttendanceSummary
	err := r.pool.QueryRow(ctx, q, testID).Scan(&s.Participants, &s.StillPresent, &s.TotalSeconds, &s.RemovedByOperators)
	if err != nil {
		return nil, err
	}
	if s.Participants > 0 {
		s.AverageSeconds = s.TotalSeconds / int64(s.Participants)
	}
	return &s, nil
}
