package risk

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndlabs/snd/internal/testutil"
)

func newSQLiteTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLiteStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newSQLiteTestStore(t) })
}

func TestSQLiteStore_EngineRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	clock := newTestClock(testNow)
	engine := newTestEngine(t, store, &stubScorer{raw: 0.5}, clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		a, err := engine.Score(ctx, testEvent("u1", "android", "dammam", "login", clock.Now()))
		require.NoError(t, err)
		if i == 5 {
			assert.Equal(t, DecisionChallenge, a.Decision)
		}
		clock.Advance(time.Minute)
	}

	recs, err := engine.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 6)
	assert.Equal(t, "eastern", recs[0].Region)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, func(t *testing.T) Store {
		_, err := db.Exec(`TRUNCATE risk_events`)
		require.NoError(t, err)
		return NewPostgresStore(db)
	})
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b >= ? LIMIT ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b >= $2 LIMIT $3", postgresDialect.rebind(q))
}

func TestEncodeTime(t *testing.T) {
	at := time.Date(2025, 3, 12, 9, 15, 0, 250e6, time.FixedZone("AST", 3*3600))
	assert.Equal(t, "2025-03-12T06:15:00.250Z", sqliteDialect.encodeTime(at))
	assert.Equal(t, at, postgresDialect.encodeTime(at))
}

func TestDBTimeScan(t *testing.T) {
	var tm dbTime
	require.NoError(t, tm.Scan("2025-03-12T06:15:00.250Z"))
	assert.Equal(t, 250, tm.Nanosecond()/1e6)
	require.NoError(t, tm.Scan([]byte("2025-03-12T06:15:00Z")))
	assert.Equal(t, 6, tm.Hour())
	require.NoError(t, tm.Scan(time.Unix(0, 0)))
	assert.Error(t, tm.Scan(42))
	assert.Error(t, tm.Scan("not a time"))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestSQLStore_ErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	connErr := errors.New("connection reset by peer")

	t.Run("count since", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM risk_events")).
			WithArgs("u1", int64(100)).
			WillReturnError(connErr)

		_, err := s.CountSince(ctx, WindowQuery{UserID: "u1", SinceMs: 100})
		assert.ErrorIs(t, err, connErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO risk_events")).WillReturnError(connErr)

		err := s.Insert(ctx, &Record{ID: "evt_1", Event: testEvent("u1", "d", "c", "s", testNow)})
		assert.ErrorIs(t, err, connErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("recent scan", func(t *testing.T) {
		s, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"id"}).AddRow("evt_1")
		mock.ExpectQuery(regexp.QuoteMeta("FROM risk_events")).WithArgs(5).WillReturnRows(rows)

		_, err := s.Recent(ctx, RecentQuery{Limit: 5})
		assert.Error(t, err)
	})

	t.Run("aggregator surfaces ErrStore", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT COUNT").WillReturnError(connErr)

		_, err := NewAggregator(s, DefaultAggregatorConfig()).Build(ctx, testEvent("u1", "d", "c", "s", testNow), testNow)
		assert.ErrorIs(t, err, ErrStore)
		assert.ErrorIs(t, err, connErr)
	})
}

func TestSQLStore_LastRecordNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp_ms DESC, seq DESC")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	last, err := s.LastRecord(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, last)
}

func TestSQLStore_FrequencyQuery(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SUM(CASE WHEN device = $1 THEN 1 ELSE 0 END)")).
		WithArgs("iphone", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(4, 3))

	f, err := s.Frequency(context.Background(), FrequencyQuery{UserID: "u1", Field: FieldDevice, Value: "iphone"})
	require.NoError(t, err)
	assert.Equal(t, 0.75, f)
	assert.NoError(t, mock.ExpectationsWereMet())
}
