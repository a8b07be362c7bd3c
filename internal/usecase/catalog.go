package usecase

import (
	"sort"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// SortBy selects the primary ordering of a module listing.
type SortBy string

const (
	SortByName    SortBy = "name"
	SortByUpdated SortBy = "updated"
)

// ListOptions controls filtering and ordering of a module listing.
type ListOptions struct {
	Query      string
	Sort       SortBy
	Descending bool

	// Pinned groups sort before the rest, in this order.
	PinEnabled bool
	PinAction  bool
	PinWebUI   bool
}

// Analytics summarizes installed modules.
type Analytics struct {
	Total     int   `json:"total"`
	Enabled   int   `json:"enabled"`
	Disabled  int   `json:"disabled"`
	Removed   int   `json:"removed"`
	Updated   int   `json:"updated"`
	WebUI     int   `json:"webui"`
	Action    int   `json:"action"`
	TotalSize int64 `json:"total_size"`
}

// Catalog filters mods by opts.Query and orders them. The input is not modified.
func Catalog(mods []domain.Module, opts ListOptions) []domain.Module {
	out := Search(mods, opts.Query)
	SortModules(out, opts)
	return out
}

// Search filters by query. "id:", "name:" and "author:" prefixes match that
// field exactly (case-insensitive); other text matches name, author or
// description by substring. An empty query keeps everything.
func Search(mods []domain.Module, query string) []domain.Module {
	query = strings.TrimSpace(query)
	out := make([]domain.Module, 0, len(mods))
	for _, m := range mods {
		if matches(m, query) {
			out = append(out, m)
		}
	}
	return out
}

func matches(m domain.Module, query string) bool {
	if query == "" {
		return true
	}
	if field, value, ok := strings.Cut(query, ":"); ok {
		value = strings.TrimSpace(value)
		switch strings.ToLower(field) {
		case "id":
			return strings.EqualFold(m.ID, value)
		case "name":
			return strings.EqualFold(m.Name, value)
		case "author":
			return strings.EqualFold(m.Author, value)
		}
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(m.Name), q) ||
		strings.Contains(strings.ToLower(m.Author), q) ||
		strings.Contains(strings.ToLower(m.Description), q)
}

// SortModules orders mods in place: pinned groups first, then by opts.Sort.
// Ties keep their relative order.
func SortModules(mods []domain.Module, opts ListOptions) {
	sort.SliceStable(mods, func(i, j int) bool {
		a, b := mods[i], mods[j]
		for _, pin := range pins(opts) {
			if pa, pb := pin(a), pin(b); pa != pb {
				return pa
			}
		}

		var less, equal bool
		switch opts.Sort {
		case SortByUpdated:
			less = a.LastUpdated.Before(b.LastUpdated)
			equal = a.LastUpdated.Equal(b.LastUpdated)
		default:
			an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
			less = an < bn
			equal = an == bn
		}
		if equal {
			return false
		}
		if opts.Descending {
			return !less
		}
		return less
	})
}

func pins(opts ListOptions) []func(domain.Module) bool {
	var out []func(domain.Module) bool
	if opts.PinEnabled {
		out = append(out, func(m domain.Module) bool { return m.State == domain.StateEnable })
	}
	if opts.PinAction {
		out = append(out, func(m domain.Module) bool { return m.Features.Action })
	}
	if opts.PinWebUI {
		out = append(out, func(m domain.Module) bool { return m.Features.WebUI })
	}
	return out
}

// Analyze counts modules by state and feature and sums their size.
func Analyze(mods []domain.Module) Analytics {
	a := Analytics{Total: len(mods)}
	for _, m := range mods {
		switch m.State {
		case domain.StateEnable:
			a.Enabled++
		case domain.StateDisable:
			a.Disabled++
		case domain.StateRemove:
			a.Removed++
		case domain.StateUpdate:
			a.Updated++
		}
		if m.Features.WebUI {
			a.WebUI++
		}
		if m.Features.Action {
			a.Action++
		}
		a.TotalSize += m.Size
	}
	return a
}
