package evidence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestVerifyChain_DetectsTampering(t *testing.T) {
	clk := newFakeClock()
	log := NewMemoryCustodyLog().WithClock(clk.Now)
	ctx := context.Background()
	for _, a := range []CustodyAction{ActionCaptured, ActionStored, ActionAccessed, ActionVerified} {
		_, err := log.Append(ctx, "j1", a, "system", map[string]string{"k": string(a)})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}
	entries, err := log.Entries(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, VerifyChain(entries))
	assert.Equal(t, genesisHash, entries[0].PreviousHash)

	cases := map[string]func(e []CustodyEntry){
		"action rewritten":  func(e []CustodyEntry) { e[2].Action = ActionVerified },
		"details rewritten": func(e []CustodyEntry) { e[1].Details = map[string]string{"k": "x"} },
		"entry dropped":     func(e []CustodyEntry) { copy(e[1:], e[2:]) },
		"time rewound":      func(e []CustodyEntry) { e[3].Timestamp = e[1].Timestamp },
		"link cut":          func(e []CustodyEntry) { e[2].PreviousHash = "genesis" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tampered := make([]CustodyEntry, len(entries))
			copy(tampered, entries)
			mutate(tampered)
			require.ErrorIs(t, VerifyChain(tampered), ErrChainBroken)
		})
	}
}

func TestMemoryCustodyLog_ConcurrentAppends(t *testing.T) {
	log := NewMemoryCustodyLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, "j1", ActionAccessed, "reader", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := log.Entries(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, entries, 50)
	require.NoError(t, VerifyChain(entries))

	other, err := log.Entries(ctx, "j2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLCustodyLog_SQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	clk := newFakeClock()
	log := NewSQLCustodyLog(db).WithClock(clk.Now)
	ctx := context.Background()
	require.NoError(t, log.Init(ctx))

	first, err := log.Append(ctx, "s/q0/chatgpt/us", ActionCaptured, "system", map[string]string{"level": "full"})
	require.NoError(t, err)
	second, err := log.Append(ctx, "s/q0/chatgpt/us", ActionStored, "system", nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "s/q1/chatgpt/us", ActionCaptured, "system", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.True(t, second.Timestamp.After(first.Timestamp), "frozen clock still yields strictly later time")

	entries, err := log.Entries(ctx, "s/q0/chatgpt/us")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "full", entries[0].Details["level"])
	assert.Nil(t, entries[1].Details)
	assert.True(t, first.Timestamp.Equal(entries[0].Timestamp))
	require.NoError(t, VerifyChain(entries))

	_, err = db.ExecContext(ctx, `UPDATE custody_entries SET actor = 'mallory' WHERE sequence = 1`)
	require.NoError(t, err)
	entries, err = log.Entries(ctx, "s/q0/chatgpt/us")
	require.NoError(t, err)
	require.ErrorIs(t, VerifyChain(entries), ErrChainBroken)
}

func TestSQLCustodyLog_AppendMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewSQLCustodyLog(db).WithClock(func() time.Time { return now })
	ctx := context.Background()

	prevTS := now.Add(time.Second).UnixNano()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, timestamp_ns, entry_hash FROM custody_entries").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "timestamp_ns", "entry_hash"}).
			AddRow(int64(3), prevTS, "sha256:prev"))
	mock.ExpectExec("INSERT INTO custody_entries").
		WithArgs(sqlmock.AnyArg(), "j1", int64(4), "accessed", "auditor", prevTS+1, "null", "sha256:prev", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e, err := log.Append(ctx, "j1", ActionAccessed, "auditor", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)
	assert.Equal(t, prevTS+1, e.Timestamp.UnixNano(), "clock behind the head is bumped past it")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCustodyLog_AppendRollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	log := NewSQLCustodyLog(db)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence").WithArgs("j1").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custody_entries").WillReturnError(boom)
	mock.ExpectRollback()

	_, err = log.Append(context.Background(), "j1", ActionCaptured, "system", nil)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_WithSQLCustody(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	custody := NewSQLCustodyLog(db)
	require.NoError(t, custody.Init(context.Background()))

	svc, _, _ := newTestService(t)
	svc.custody = custody
	ctx := context.Background()

	_, _, err = svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: testResponse()}, RetentionPolicy{})
	require.NoError(t, err)
	res, err := svc.Verify(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	chain, err := svc.CustodyChain(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []CustodyAction{ActionCaptured, ActionStored, ActionVerified}, actions(chain))
	require.NoError(t, svc.VerifyCustody(ctx, "j1"))
}
