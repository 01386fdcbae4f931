package mailer

import (
	"context"
	"math"
	"time"

	"github.com/lib/pq"
)

// DashboardStats is the admin dashboard rollup. Recomputed from the
// ledger on every call; this is a low-frequency admin read.
type DashboardStats struct {
	SentToday          int64            `json:"sent_today"`
	SentThisWeek       int64            `json:"sent_this_week"`
	SentThisMonth      int64            `json:"sent_this_month"`
	FailedToday        int64            `json:"failed_today"`
	FailedThisWeek     int64            `json:"failed_this_week"`
	FailureRatePercent float64          `json:"failure_rate_percent"`
	TotalProjects      int64            `json:"total_projects"`
	ActiveProjects     int64            `json:"active_projects"`
	PendingEscalations int64            `json:"pending_escalations"`
	TopProjects        []ProjectVolume  `json:"top_projects"`
	RecentFailures     []*RecentFailure `json:"recent_failures"`
}

// ProjectVolume is one row of the top-senders table
type ProjectVolume struct {
	Name   string `json:"name"`
	Total  int64  `json:"total"`
	Sent   int64  `json:"sent"`
	Failed int64  `json:"failed"`
}

// RecentFailure is a trimmed ledger row for the dashboard failure list
type RecentFailure struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	Subject      string    `json:"subject"`
	ToEmails     []string  `json:"to_emails"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Dashboard computes read-only rollups over the ledger and the
// escalation event table.
type Dashboard struct {
	store *Store
}

// NewDashboard creates a dashboard aggregator
func NewDashboard(store *Store) *Dashboard {
	return &Dashboard{store: store}
}

// periodStarts returns the UTC start of today, of the ISO week (Monday)
// and of the calendar month containing now.
func periodStarts(now time.Time) (today, week, month time.Time) {
	now = now.UTC()
	today = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	weekday := int(today.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started 6 days ago
	}
	week = today.AddDate(0, 0, -(weekday - 1))

	month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return today, week, month
}

// Stats computes the full dashboard rollup as of now.
func (d *Dashboard) Stats(ctx context.Context, now time.Time) (*DashboardStats, error) {
	todayStart, weekStart, monthStart := periodStarts(now)
	db := d.store.DB()
	stats := &DashboardStats{}

	countSince := func(since time.Time, status string) (int64, error) {
		var n int64
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM email_logs WHERE created_at >= $1 AND status = $2`,
			since, status).Scan(&n)
		return n, err
	}

	var err error
	if stats.SentToday, err = countSince(todayStart, StatusSent); err != nil {
		return nil, err
	}
	if stats.SentThisWeek, err = countSince(weekStart, StatusSent); err != nil {
		return nil, err
	}
	if stats.SentThisMonth, err = countSince(monthStart, StatusSent); err != nil {
		return nil, err
	}
	if stats.FailedToday, err = countSince(todayStart, StatusFailed); err != nil {
		return nil, err
	}
	if stats.FailedThisWeek, err = countSince(weekStart, StatusFailed); err != nil {
		return nil, err
	}

	if totalWeek := stats.SentThisWeek + stats.FailedThisWeek; totalWeek > 0 {
		rate := float64(stats.FailedThisWeek) / float64(totalWeek) * 100
		stats.FailureRatePercent = math.Round(rate*100) / 100
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM email_projects`).
		Scan(&stats.TotalProjects, &stats.ActiveProjects)
	if err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_escalation_events WHERE acknowledged_at IS NULL`).
		Scan(&stats.PendingEscalations)
	if err != nil {
		return nil, err
	}

	if stats.TopProjects, err = d.topProjects(ctx, monthStart); err != nil {
		return nil, err
	}
	if stats.RecentFailures, err = d.recentFailures(ctx); err != nil {
		return nil, err
	}

	return stats, nil
}

func (d *Dashboard) topProjects(ctx context.Context, monthStart time.Time) ([]ProjectVolume, error) {
	query := `SELECT p.name,
			COUNT(l.id) AS total,
			COUNT(l.id) FILTER (WHERE l.status = 'sent') AS sent,
			COUNT(l.id) FILTER (WHERE l.status = 'failed') AS failed
		FROM email_projects p
		JOIN email_logs l ON l.project_id = p.id
		WHERE l.created_at >= $1
		GROUP BY p.name
		ORDER BY COUNT(l.id) DESC
		LIMIT 5`

	rows, err := d.store.DB().QueryContext(ctx, query, monthStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	top := []ProjectVolume{}
	for rows.Next() {
		var v ProjectVolume
		if err := rows.Scan(&v.Name, &v.Total, &v.Sent, &v.Failed); err != nil {
			return nil, err
		}
		top = append(top, v)
	}
	return top, rows.Err()
}

func (d *Dashboard) recentFailures(ctx context.Context) ([]*RecentFailure, error) {
	query := `SELECT id, project_id, subject, to_emails, COALESCE(error_message, ''), created_at
		FROM email_logs
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT 10`

	rows, err := d.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []*RecentFailure{}
	for rows.Next() {
		f := &RecentFailure{}
		var to pq.StringArray
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Subject, &to, &f.ErrorMessage, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ToEmails = to
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
