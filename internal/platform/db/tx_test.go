package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
)

func TestWithTx_Commits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE ambulance`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(ctx context.Context) error {
		if TxFromContext(ctx) == nil {
			t.Fatal("expected transaction in context")
		}
		_, err := Conn(ctx, mock).Exec(ctx, `UPDATE ambulance SET status = 'On_Trip'`)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	errConflict := errors.New("conflict")
	err = WithTx(context.Background(), mock, func(ctx context.Context) error {
		return errConflict
	})
	if !errors.Is(err, errConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTx_NestedReusesOuter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(ctx context.Context) error {
		outer := TxFromContext(ctx)
		return WithTx(ctx, mock, func(ctx context.Context) error {
			if TxFromContext(ctx) != outer {
				t.Error("expected nested call to reuse the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConn_FallsBackWithoutTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	if Conn(context.Background(), mock) != Querier(mock) {
		t.Error("expected fallback querier without transaction")
	}
}
