package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Request asks for one report placeholder to be analyzed against one data
// source. StageHint, when set, restricts the run to that single stage.
type Request struct {
	Placeholder  string
	DataSourceID string
	UserID       string
	StageHint    string
	StartDate    string
	EndDate      string
}

const dateLayout = "2006-01-02"

// Window resolves the request's reporting window. Missing bounds default to
// the trailing 30 days ending today.
func (r Request) Window(now time.Time) (start, end string) {
	start, end = r.StartDate, r.EndDate
	if end == "" {
		end = now.Format(dateLayout)
	}
	if start == "" {
		start = now.AddDate(0, 0, -30).Format(dateLayout)
	}
	return start, end
}

// PlaceholderInfo is the template-store record behind one placeholder: what
// the section is about and which window it covers.
type PlaceholderInfo struct {
	Description string
	Intent      string
	Objective   string
	TimeWindow  string
}

// PlaceholderStore resolves placeholder names to their report metadata.
type PlaceholderStore interface {
	Lookup(ctx context.Context, placeholder string) (*PlaceholderInfo, error)
}

// StaticStore is an in-memory PlaceholderStore. Unknown placeholders resolve
// to their own text as the description, so free-form requests still work.
type StaticStore struct {
	mu      sync.RWMutex
	entries map[string]PlaceholderInfo
}

func NewStaticStore() *StaticStore {
	return &StaticStore{entries: make(map[string]PlaceholderInfo)}
}

// Add registers or replaces one placeholder record.
func (s *StaticStore) Add(name string, info PlaceholderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = info
}

func (s *StaticStore) Lookup(ctx context.Context, placeholder string) (*PlaceholderInfo, error) {
	if placeholder == "" {
		return nil, errors.New("pipeline: placeholder cannot be empty")
	}

	s.mu.RLock()
	info, ok := s.entries[placeholder]
	s.mu.RUnlock()
	if !ok {
		log.Debug().Str("placeholder", placeholder).Msg("pipeline: placeholder not in store, using its text as description")
		return &PlaceholderInfo{Description: placeholder}, nil
	}
	return &info, nil
}
