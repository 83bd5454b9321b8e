// Package logquery filters and pages through recorded log entries.
package logquery

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/storage"
)

const (
	DefaultLimit = 100
	MaxLimit     = 200
)

type Params struct {
	// Text is matched case-insensitively against method, url, status code and message.
	Text   string
	Level  models.Level
	Offset int
	Limit  int
}

type Result struct {
	Total  int
	Offset int
	Limit  int
	Data   []models.LogEntry
}

// ParseParams reads q, level, offset and limit. Values that do not parse fall back to the
// defaults; numbers are clamped into range.
func ParseParams(v url.Values) Params {
	p := Params{
		Text:  v.Get("q"),
		Level: models.Level(v.Get("level")),
		Limit: DefaultLimit,
	}
	if n, err := strconv.Atoi(v.Get("offset")); err == nil {
		p.Offset = n
	}
	if n, err := strconv.Atoi(v.Get("limit")); err == nil {
		p.Limit = n
	}
	return p.normalize()
}

func (p Params) normalize() Params {
	if p.Offset < 0 {
		p.Offset = 0
	}
	p.Limit = min(max(p.Limit, 1), MaxLimit)
	return p
}

type Service struct {
	store storage.Store
}

func New(store storage.Store) *Service {
	return &Service{store: store}
}

func (s *Service) Query(ctx context.Context, p Params) (Result, error) {
	p = p.normalize()

	all, err := s.store.All(ctx)
	if err != nil {
		return Result{}, err
	}

	text := strings.ToLower(p.Text)
	filtered := make([]models.LogEntry, 0, len(all))
	for _, e := range all {
		if p.Level != "" && e.Level != p.Level {
			continue
		}
		if text != "" && !strings.Contains(haystack(e), text) {
			continue
		}
		filtered = append(filtered, e)
	}

	start := min(p.Offset, len(filtered))
	end := min(start+p.Limit, len(filtered))

	return Result{
		Total:  len(filtered),
		Offset: p.Offset,
		Limit:  p.Limit,
		Data:   filtered[start:end],
	}, nil
}

func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

func haystack(e models.LogEntry) string {
	return strings.ToLower(strings.Join([]string{e.Method, e.URL, strconv.Itoa(e.StatusCode), e.Message}, " "))
}
