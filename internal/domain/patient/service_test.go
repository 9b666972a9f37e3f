package patient

import (
	"context"
	"errors"
	"testing"
)

type countingRepo struct {
	*MemoryRepository
	searches int
}

func (r *countingRepo) Search(ctx context.Context, term string, limit, offset int) ([]*Patient, int, error) {
	r.searches++
	return r.MemoryRepository.Search(ctx, term, limit, offset)
}

func newTestService(t *testing.T) (*Service, *countingRepo) {
	t.Helper()
	repo := &countingRepo{MemoryRepository: NewMemoryRepository()}
	svc := NewService(repo)
	mrn := "MRN-4411"
	for _, p := range []*Patient{
		{ID: "p-1", FirstName: "Asha", LastName: "Rao", MRN: &mrn},
		{ID: "p-2", FirstName: "Ravi", LastName: "Ashok"},
		{ID: "p-3", FirstName: "John", LastName: "Doe"},
	} {
		if err := svc.Create(context.Background(), p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return svc, repo
}

func TestService_Create(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	p := &Patient{FirstName: " Meera ", LastName: "Iyer"}

	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == "" || p.CreatedAt.IsZero() {
		t.Errorf("expected id and timestamps, got %+v", p)
	}
	if p.FirstName != "Meera" {
		t.Errorf("expected trimmed first name, got %q", p.FirstName)
	}
	if err := svc.Create(context.Background(), &Patient{FirstName: "Only"}); err == nil {
		t.Error("expected error for missing last name")
	}
}

func TestService_CreateDuplicateMRN(t *testing.T) {
	svc, _ := newTestService(t)
	mrn := "MRN-4411"
	err := svc.Create(context.Background(), &Patient{FirstName: "X", LastName: "Y", MRN: &mrn})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestService_Search(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		query string
		want  []string
	}{
		{"ash", []string{"p-2", "p-1"}},
		{"  RAO ", []string{"p-1"}},
		{"4411", []string{"p-1"}},
		{"p-3", []string{"p-3"}},
		{"asha rao", []string{"p-1"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, total, err := svc.Search(ctx, tt.query, 10, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if total != len(tt.want) || len(got) != len(tt.want) {
				t.Fatalf("expected %d results, got %d (total %d)", len(tt.want), len(got), total)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
	if repo.searches != len(tests) {
		t.Errorf("expected %d store queries, got %d", len(tests), repo.searches)
	}
}

func TestService_SearchShortQuery(t *testing.T) {
	svc, repo := newTestService(t)

	for _, q := range []string{"", "  ", "as", " as "} {
		got, total, err := svc.Search(context.Background(), q, 10, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 0 || total != 0 {
			t.Errorf("query %q: expected no results, got %d", q, len(got))
		}
		if got == nil {
			t.Errorf("query %q: expected empty slice, not nil", q)
		}
	}
	if repo.searches != 0 {
		t.Errorf("short queries must not reach the store, got %d", repo.searches)
	}
}

func TestService_SearchPaging(t *testing.T) {
	svc, _ := newTestService(t)

	page, total, _ := svc.Search(context.Background(), "ash", 1, 1)
	if total != 2 || len(page) != 1 || page[0].ID != "p-1" {
		t.Fatalf("unexpected second page %v (total %d)", page, total)
	}
}

func TestService_LookupName(t *testing.T) {
	svc, _ := newTestService(t)

	name, err := svc.LookupName(context.Background(), "p-1")
	if err != nil || name != "Asha Rao" {
		t.Fatalf("expected Asha Rao, got %q %v", name, err)
	}
	if _, err := svc.LookupName(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
