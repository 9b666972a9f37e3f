package patient

import (
	"strings"
	"time"
)

// Patient maps to the patient table.
type Patient struct {
	ID        string     `db:"id" json:"id"`
	MRN       *string    `db:"mrn" json:"mrn,omitempty"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	Phone     *string    `db:"phone" json:"phone,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName is the display name used on alerts.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// matches reports whether the patient matches a search term by partial
// name, MRN or ID, case-insensitively.
func (p *Patient) matches(term string) bool {
	term = strings.ToLower(term)
	fields := []string{p.FirstName, p.LastName, p.FullName(), p.ID}
	if p.MRN != nil {
		fields = append(fields, *p.MRN)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
