package patient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
)

var patientColumns = []string{"id", "mrn", "first_name", "last_name", "birth_date", "gender", "phone", "created_at", "updated_at"}

func TestRepoPG_Search(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()
	repo := NewRepoPG(mock)
	now := time.Now().UTC()
	mrn := "MRN-1"

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM patient WHERE`).
		WithArgs("%100\\%%").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT (.+) FROM patient WHERE (.+) LIMIT \$2 OFFSET \$3`).
		WithArgs("%100\\%%", 10, 0).
		WillReturnRows(pgxmock.NewRows(patientColumns).
			AddRow("p-1", &mrn, "Asha", "Rao", nil, nil, nil, now, now))

	items, total, err := repo.Search(context.Background(), "100%", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 || *items[0].MRN != "MRN-1" {
		t.Fatalf("unexpected result %v total %d", items, total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepoPG_GetByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()
	repo := NewRepoPG(mock)

	mock.ExpectQuery(`FROM patient WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows(patientColumns))

	if _, err := repo.GetByID(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepoPG_CreateDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()
	repo := NewRepoPG(mock)

	mock.ExpectExec(`INSERT INTO patient`).
		WithArgs("p-1", pgxmock.AnyArg(), "A", "B", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "patient_mrn_key"})

	err = repo.Create(context.Background(), &Patient{ID: "p-1", FirstName: "A", LastName: "B"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
