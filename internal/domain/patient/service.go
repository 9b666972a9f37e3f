package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MinQueryLength is the shortest trimmed search term that reaches the store.
const MinQueryLength = 3

type Service struct {
	patients Repository
}

func NewService(patients Repository) *Service {
	return &Service{patients: patients}
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return s.patients.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	return s.patients.GetByID(ctx, strings.TrimSpace(id))
}

// Search looks patients up by partial name, MRN or ID. Terms shorter than
// MinQueryLength return no results without querying the store.
func (s *Service) Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	term := strings.TrimSpace(query)
	if len([]rune(term)) < MinQueryLength {
		return []*Patient{}, 0, nil
	}
	return s.patients.Search(ctx, term, limit, offset)
}

// LookupName returns the display name for a patient ID.
func (s *Service) LookupName(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.FullName(), nil
}
