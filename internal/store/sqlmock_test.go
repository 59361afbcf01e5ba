package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

func TestMarkSessionConverted_TerminalSessionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := store.New(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET status = 'converted'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM sessions")).
		WithArgs("sess-1", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("converted"))
	mock.ExpectRollback()

	err = s.MarkSessionConverted(context.Background(), "tenant-1", "sess-1", "P3", 10, time.Now())
	if !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestMarkSessionConverted_CreditsVariant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := store.New(db)
	at := time.UnixMilli(1_700_000_000_000)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET status = 'converted'")).
		WithArgs(at.UnixMilli(), "P3", 25.0, at.UnixMilli(), at.UnixMilli(), "sess-1", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE variants SET conversions = conversions + 1")).
		WithArgs("tenant-1", "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MarkSessionConverted(context.Background(), "tenant-1", "sess-1", "P3", 25, at); err != nil {
		t.Errorf("error was not expected while converting session: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRecordConditionEvaluation_SingleAtomicUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := store.New(db)

	mock.ExpectExec(regexp.QuoteMeta("SET evaluation_count = evaluation_count + 1")).
		WithArgs(0, 1, 0, sqlmock.AnyArg(), "cond-1", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RecordConditionEvaluation(context.Background(), "tenant-1", "cond-1", false); err != nil {
		t.Errorf("error was not expected while recording evaluation: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
