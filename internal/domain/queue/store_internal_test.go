package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// These tests pin the exact SQL shape of the status CAS: the guarantee
// that a claim is a single conditional UPDATE (no read-modify-write
// window) is what the worker race-safety rests on, so it is asserted at
// the statement level rather than only behaviorally.

func TestClaimForProcessingIsSingleConditionalUpdate(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &Store{db: db}

	now := time.Unix(0, 1_700_000_000_000_000_000)
	mock.ExpectExec(`UPDATE persisted_messages SET status = \?, updated_at = \?\s+WHERE id = \? AND status = \?`).
		WithArgs(StatusSent.String(), now.UnixNano(), "m-1", StatusPending.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := s.ClaimForProcessing(context.Background(), "m-1", StatusPending, now)
	if err != nil {
		t.Fatalf("ClaimForProcessing: %v", err)
	}
	if !claimed {
		t.Fatalf("claimed = false, want true on RowsAffected=1")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimForProcessingLostRace(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &Store{db: db}

	now := time.Unix(0, 1_700_000_000_000_000_000)
	mock.ExpectExec(`UPDATE persisted_messages`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.ClaimForProcessing(context.Background(), "m-1", StatusPending, now)
	if err != nil {
		t.Fatalf("ClaimForProcessing: %v", err)
	}
	if claimed {
		t.Fatalf("claimed = true on RowsAffected=0; a lost race must not claim")
	}
}
