package dashboard

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hms/ems/internal/domain/patient"
)

const DefaultSearchDelay = 300 * time.Millisecond

// PatientSearcher queries the patient directory.
type PatientSearcher interface {
	SearchPatients(ctx context.Context, query string) ([]*patient.Patient, error)
}

// Search is a debounced patient search box. Only the latest input's answer
// is ever shown.
type Search struct {
	api    PatientSearcher
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	query   string
	results []*patient.Patient
	err     error
	updates chan struct{}
}

func NewSearch(api PatientSearcher, delay time.Duration, logger zerolog.Logger) *Search {
	if delay <= 0 {
		delay = DefaultSearchDelay
	}
	return &Search{
		api:     api,
		delay:   delay,
		logger:  logger.With().Str("component", "patient-search").Logger(),
		updates: make(chan struct{}, 1),
	}
}

// Updates signals whenever Results changes.
func (s *Search) Updates() <-chan struct{} {
	return s.updates
}

// Input handles a change of the search text. Empty text clears results;
// text shorter than patient.MinQueryLength leaves them as they are.
func (s *Search) Input(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.stopLocked()

	q := strings.TrimSpace(text)
	if q == "" {
		s.query, s.results, s.err = "", nil, nil
		s.notifyLocked()
		return
	}
	if utf8.RuneCountInString(q) < patient.MinQueryLength {
		return
	}

	seq := s.seq
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.timer = time.AfterFunc(s.delay, func() { s.run(ctx, seq, q) })
}

func (s *Search) run(ctx context.Context, seq uint64, q string) {
	res, err := s.api.SearchPatients(ctx, q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("query", q).Msg("patient search failed")
	}
	s.query, s.results, s.err = q, res, err
	s.notifyLocked()
}

// Results returns the answer to the latest query that completed.
func (s *Search) Results() (query string, results []*patient.Patient, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*patient.Patient, len(s.results))
	copy(out, s.results)
	return s.query, out, s.err
}

// Close cancels any pending or in-flight query.
func (s *Search) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.stopLocked()
}

func (s *Search) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Search) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
