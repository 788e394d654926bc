package sheets

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode"

	"reportline/internal/domain"
)

// Header is the fixed first row every ministry table gets on creation. The
// three key columns come first; the sync scan relies on that order.
var Header = []string{
	"Indicator ID", "Period", "Ministry ID",
	"Value", "Unit", "Target", "% of Target",
	"Source", "Responsible", "Updated At",
}

// Router maps a ministry to its table in the external store, provisioning it
// with the header row the first time. Provisioning is guarded by a lock and
// tolerates an exists-collision, so concurrent first-writers cannot create
// duplicate tables or header rows.
type Router struct {
	Store      Store
	MaxNameLen int

	mu    sync.Mutex
	ready map[string]bool
}

func NewRouter(store Store, maxNameLen int) *Router {
	if maxNameLen <= 0 {
		maxNameLen = 100
	}
	return &Router{Store: store, MaxNameLen: maxNameLen, ready: map[string]bool{}}
}

// Resolve returns the ministry's table name, creating the table if absent.
func (r *Router) Resolve(ctx context.Context, m domain.Ministry) (string, error) {
	name := r.TableName(m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready[name] {
		return name, nil
	}
	tables, err := r.Store.ListTables(ctx)
	if err != nil {
		return "", err
	}
	exists := false
	for _, t := range tables {
		if t == name {
			exists = true
			break
		}
	}
	if !exists {
		err := r.Store.CreateTable(ctx, name, Header)
		if err != nil && !errors.Is(err, ErrTableExists) {
			return "", err
		}
	}
	r.ready[name] = true
	return name, nil
}

// TableName sanitizes a ministry display name into a valid table identifier:
// disallowed punctuation stripped, whitespace runs collapsed to single
// underscores, truncated to the store's maximum identifier length.
func (r *Router) TableName(m domain.Ministry) string {
	name := m.Name
	if m.ShortName != "" {
		name = m.ShortName
	}
	var b strings.Builder
	lastSep := true
	for _, c := range name {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			b.WriteRune(c)
			lastSep = false
		case unicode.IsSpace(c) || c == '-' || c == '_':
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	clean := strings.TrimRight(b.String(), "_")
	if clean == "" {
		clean = m.ID
	}
	if runes := []rune(clean); len(runes) > r.MaxNameLen {
		clean = strings.TrimRight(string(runes[:r.MaxNameLen]), "_")
	}
	return clean
}
