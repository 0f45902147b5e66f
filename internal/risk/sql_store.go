package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sndlabs/snd/migrations"
)

// sqliteTimeLayout keeps event times lexically sortable and makes the first
// ten characters the UTC calendar date.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	driver      string
	numbered    bool   // $1 placeholders instead of ?
	distinctDay string // expression yielding the UTC calendar date of event_time
}

var (
	postgresDialect = dialect{
		driver:      migrations.DriverPostgres,
		numbered:    true,
		distinctDay: "(event_time AT TIME ZONE 'UTC')::date",
	}
	sqliteDialect = dialect{
		driver:      migrations.DriverSQLite,
		distinctDay: "substr(event_time, 1, 10)",
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) encodeTime(t time.Time) any {
	if d.numbered {
		return t
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// frequencyColumns whitelists the columns a frequency query may filter on.
var frequencyColumns = map[Field]string{
	FieldCity:    "city",
	FieldDevice:  "device",
	FieldService: "service",
}

const recordColumns = `id, user_id, device, city, region, os, browser, service,
	event_time, timestamp_ms, ai_risk_score, rules_score, risk_score, decision, raw_payload`

// SQLStore persists scored events in PostgreSQL or SQLite.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: postgresDialect}
}

// NewSQLiteStore creates a SQLite-backed event store. SQLite serializes
// writers; callers should cap the pool with db.SetMaxOpenConns(1).
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: sqliteDialect}
}

// Migrate applies the embedded schema migrations for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, s.db, s.d.driver)
}

// DB exposes the underlying pool for health checks and stats collection.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO risk_events (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.ID,
		rec.UserID,
		rec.Device,
		rec.City,
		rec.Region,
		rec.OS,
		rec.Browser,
		rec.Service,
		s.d.encodeTime(rec.EventTime),
		rec.TimestampMs,
		rec.AIRiskScore,
		rec.RulesScore,
		rec.RiskScore,
		string(rec.Decision),
		rec.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert risk event: %w", err)
	}
	return nil
}

func (s *SQLStore) CountSince(ctx context.Context, q WindowQuery) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*) FROM risk_events
		WHERE user_id = ? AND timestamp_ms >= ?
	`), q.UserID, q.SinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count window: %w", err)
	}
	return n, nil
}

func (s *SQLStore) TotalAndDistinctDays(ctx context.Context, userID string) (HistoryStats, error) {
	var st HistoryStats
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*), COUNT(DISTINCT `+s.d.distinctDay+`)
		FROM risk_events
		WHERE user_id = ?
	`), userID).Scan(&st.Total, &st.DistinctDays)
	if err != nil {
		return HistoryStats{}, fmt.Errorf("failed to load history stats: %w", err)
	}
	return st, nil
}

func (s *SQLStore) Frequency(ctx context.Context, q FrequencyQuery) (float64, error) {
	col, ok := frequencyColumns[q.Field]
	if !ok {
		return 0, fmt.Errorf("unknown frequency field %q", q.Field)
	}

	var total, match int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN `+col+` = ? THEN 1 ELSE 0 END), 0)
		FROM risk_events
		WHERE user_id = ?
	`), q.Value, q.UserID).Scan(&total, &match)
	if err != nil {
		return 0, fmt.Errorf("failed to compute %s frequency: %w", col, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(match) / float64(total), nil
}

func (s *SQLStore) LastRecord(ctx context.Context, userID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT `+recordColumns+`
		FROM risk_events
		WHERE user_id = ?
		ORDER BY timestamp_ms DESC, seq DESC
		LIMIT 1
	`), userID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) CountLowRisk(ctx context.Context, q LowRiskQuery) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT COUNT(*) FROM risk_events
		WHERE user_id = ? AND risk_score <= ?
	`), q.UserID, q.MaxRisk).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count low-risk events: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Recent(ctx context.Context, q RecentQuery) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+recordColumns+`
		FROM risk_events
		ORDER BY timestamp_ms DESC, seq DESC
		LIMIT ?
	`), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk events: %w", err)
	}
	return result, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec       Record
		eventTime dbTime
		decision  string
	)
	err := sc.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Device,
		&rec.City,
		&rec.Region,
		&rec.OS,
		&rec.Browser,
		&rec.Service,
		&eventTime,
		&rec.TimestampMs,
		&rec.AIRiskScore,
		&rec.RulesScore,
		&rec.RiskScore,
		&decision,
		&rec.RawPayload,
	)
	if err != nil {
		return nil, err
	}
	rec.EventTime = eventTime.Time
	rec.Decision = Decision(decision)
	return &rec, nil
}

// dbTime scans a timestamp stored natively (Postgres) or as RFC 3339 text
// (SQLite).
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported event_time type %T", src)
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse event_time %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}
