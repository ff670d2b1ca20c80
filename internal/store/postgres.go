package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sgerhart/threatflux/internal/model"
)

const uniqueViolation = "23505"

// PostgresStore handles database operations for events and threats
type PostgresStore struct {
	db     *sql.DB
	dbName string
	logger *slog.Logger
}

// NewPostgresStore opens and pings a PostgreSQL store
func NewPostgresStore(ctx context.Context, dsn, dbName string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{
		db:     db,
		dbName: dbName,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks if the database is accessible
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations
func (s *PostgresStore) Migrate() error {
	return Migrate(s.db, s.dbName)
}

// MigrateDown rolls back the embedded schema migrations
func (s *PostgresStore) MigrateDown() error {
	return MigrateDown(s.db, s.dbName)
}

const eventColumns = `id, kind, ts, content, detection_status, details, source_ip, destination_ip, port,
	protocol, log_source, action, username, response_status_code, response_content_length,
	response_body_snippet, email, sms`

// SaveEvent inserts a raw event; a repeated event ID yields ErrDuplicate
func (s *PostgresStore) SaveEvent(ctx context.Context, ev *model.Event) error {
	details, err := nullJSON(ev.Details, len(ev.Details) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	email, err := nullJSON(ev.Email, ev.Email == nil)
	if err != nil {
		return fmt.Errorf("failed to encode email fields: %w", err)
	}
	sms, err := nullJSON(ev.SMS, ev.SMS == nil)
	if err != nil {
		return fmt.Errorf("failed to encode sms fields: %w", err)
	}

	n := ev.Network
	if n == nil {
		n = &model.NetworkFields{}
	}

	query := `INSERT INTO raw_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID, string(ev.Kind), ev.Timestamp.UTC(), ev.Content, ev.DetectionStatus, details,
		nullString(n.SourceIP), nullString(n.DestinationIP), n.Port,
		nullString(n.Protocol), nullString(n.LogSource), nullString(n.Action), nullString(n.Username),
		n.ResponseStatusCode, n.ResponseContentLength, nullString(n.ResponseBodySnippet),
		email, sms)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpdateDetectionStatus sets the detection status of a stored event
func (s *PostgresStore) UpdateDetectionStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE raw_events SET detection_status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update detection status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAuthFailures counts stored authentication failures matching the query
func (s *PostgresStore) CountAuthFailures(ctx context.Context, q FailureQuery) (int, error) {
	if len(q.Match) == 0 {
		return 0, nil
	}

	args := []interface{}{q.SourceIP, q.Since.UTC(), q.Until.UTC()}
	var b strings.Builder
	b.WriteString(`SELECT COUNT(*) FROM raw_events
		WHERE kind = 'network' AND source_ip = $1 AND ts >= $2 AND ts <= $3`)

	if q.Username != "" {
		args = append(args, q.Username)
		fmt.Fprintf(&b, " AND username = $%d", len(args))
	}

	b.WriteString(" AND (")
	for i, m := range q.Match {
		if i > 0 {
			b.WriteString(" OR ")
		}
		args = append(args, m.Action)
		fmt.Fprintf(&b, "(UPPER(action) = UPPER($%d)", len(args))
		if m.StatusCode != 0 {
			args = append(args, m.StatusCode)
			fmt.Fprintf(&b, " AND response_status_code = $%d", len(args))
		}
		b.WriteString(")")
	}
	b.WriteString(")")

	var count int
	if err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count auth failures: %w", err)
	}
	return count, nil
}

// NetworkEvents returns network events inside [since, until], newest first
func (s *PostgresStore) NetworkEvents(ctx context.Context, since, until time.Time, limit int) ([]*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM raw_events
		WHERE kind = 'network' AND ts >= $1 AND ts <= $2
		ORDER BY ts DESC LIMIT $3`
	return s.queryEvents(ctx, query, since.UTC(), until.UTC(), limitOrAll(limit))
}

// RecentEvents returns the newest events of a kind
func (s *PostgresStore) RecentEvents(ctx context.Context, kind model.EventKind, limit int) ([]*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM raw_events
		WHERE kind = $1
		ORDER BY ts DESC LIMIT $2`
	return s.queryEvents(ctx, query, string(kind), limitOrAll(limit))
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*model.Event, error) {
	var ev model.Event
	var kind string
	var details, email, sms []byte
	var srcIP, dstIP, proto, logSrc, action, user, snippet sql.NullString
	var port, status, length sql.NullInt64

	err := rows.Scan(&ev.ID, &kind, &ev.Timestamp, &ev.Content, &ev.DetectionStatus, &details,
		&srcIP, &dstIP, &port, &proto, &logSrc, &action, &user, &status, &length, &snippet,
		&email, &sms)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Kind = model.EventKind(kind)

	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
	}

	switch ev.Kind {
	case model.KindNetwork:
		ev.Network = &model.NetworkFields{
			SourceIP:              srcIP.String,
			DestinationIP:         dstIP.String,
			Port:                  intPtr(port),
			Protocol:              proto.String,
			LogSource:             logSrc.String,
			Action:                action.String,
			Username:              user.String,
			ResponseStatusCode:    intPtr(status),
			ResponseContentLength: intPtr(length),
			ResponseBodySnippet:   snippet.String,
		}
	case model.KindEmail:
		ev.Email = &model.EmailFields{}
		if len(email) > 0 {
			if err := json.Unmarshal(email, ev.Email); err != nil {
				return nil, fmt.Errorf("failed to decode email fields: %w", err)
			}
		}
	case model.KindSMS:
		ev.SMS = &model.SMSFields{}
		if len(sms) > 0 {
			if err := json.Unmarshal(sms, ev.SMS); err != nil {
				return nil, fmt.Errorf("failed to decode sms fields: %w", err)
			}
		}
	}

	return &ev, nil
}

// SaveThreat inserts a verdict; a repeated detection ID yields ErrDuplicate
func (s *PostgresStore) SaveThreat(ctx context.Context, t *model.DetectedThreat) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("failed to encode threat details: %w", err)
	}
	if t.Details == nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO detected_threats (detection_id, created_at, ts, source_type, source_identifier,
			event_id, threat_type, severity, confidence_score, snippet, status, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.DetectionID, t.CreatedAt.UTC(), t.Timestamp.UTC(), t.SourceType, t.SourceIdentifier,
		nullString(t.EventID), t.ThreatType, t.Severity, t.ConfidenceScore, t.Snippet, t.Status,
		string(details))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert threat: %w", err)
	}
	return nil
}

// RecentThreats returns threats newest first
func (s *PostgresStore) RecentThreats(ctx context.Context, limit int) ([]*model.DetectedThreat, error) {
	query := `
		SELECT detection_id, created_at, ts, source_type, source_identifier, event_id,
			threat_type, severity, confidence_score, snippet, status, details
		FROM detected_threats
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query threats: %w", err)
	}
	defer rows.Close()

	var threats []*model.DetectedThreat
	for rows.Next() {
		var (
			t       model.DetectedThreat
			eventID sql.NullString
			details []byte
		)
		err := rows.Scan(&t.DetectionID, &t.CreatedAt, &t.Timestamp, &t.SourceType, &t.SourceIdentifier,
			&eventID, &t.ThreatType, &t.Severity, &t.ConfidenceScore, &t.Snippet, &t.Status, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat: %w", err)
		}
		t.EventID = eventID.String
		if err := json.Unmarshal(details, &t.Details); err != nil {
			return nil, fmt.Errorf("failed to decode threat details: %w", err)
		}
		threats = append(threats, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return threats, nil
}

// Counts computes dashboard aggregates
func (s *PostgresStore) Counts(ctx context.Context) (model.ThreatCounts, error) {
	var c model.ThreatCounts

	threatQuery := `
		SELECT
			COUNT(*) FILTER (WHERE source_type = 'network_ids'),
			COUNT(*) FILTER (WHERE source_type = 'sms'),
			COUNT(*) FILTER (WHERE source_type LIKE 'email%'),
			COUNT(*) FILTER (WHERE threat_type LIKE '%suspicious_ip%'),
			COUNT(*) FILTER (WHERE threat_type LIKE '%brute_force%'),
			COUNT(*) FILTER (WHERE threat_type LIKE '%malware%' OR source_type LIKE '%attachment%'),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM detected_threats
	`
	err := s.db.QueryRowContext(ctx, threatQuery).Scan(
		&c.TotalNetworkThreats, &c.TotalSMSThreats, &c.TotalEmailThreats,
		&c.SuspiciousIPAttempts, &c.BruteForceAttacks, &c.MalwareDetections, &c.PendingThreats)
	if err != nil {
		return c, fmt.Errorf("failed to count threats: %w", err)
	}

	eventQuery := `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'email'),
			COUNT(*) FILTER (WHERE kind = 'email' AND detection_status LIKE '%spam%'),
			COUNT(*) FILTER (WHERE kind = 'sms'),
			COUNT(*) FILTER (WHERE kind = 'sms' AND detection_status LIKE '%spam%')
		FROM raw_events
	`
	err = s.db.QueryRowContext(ctx, eventQuery).Scan(
		&c.TotalEmailsReceived, &c.SpamEmailsDetected, &c.TotalSMSReceived, &c.SMSSpamDetected)
	if err != nil {
		return c, fmt.Errorf("failed to count events: %w", err)
	}

	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(v interface{}, empty bool) (interface{}, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
