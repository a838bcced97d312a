package engine

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// DispatcherSet is C4: the process-wide set of all live dispatchers. It
// enforces unique display names and exposes the true maximum
// display-name width used for print_lines padding.
type DispatcherSet struct {
	order []*Dispatcher // insertion order, stable
	byID  map[string]*Dispatcher
}

// NewDispatcherSet builds an empty registry.
func NewDispatcherSet() *DispatcherSet {
	return &DispatcherSet{byID: make(map[string]*Dispatcher)}
}

// Add registers d, assuming its DisplayName has already been made unique
// via MakeUniqueName.
func (s *DispatcherSet) Add(d *Dispatcher) {
	s.order = append(s.order, d)
	s.byID[d.ownerKey()] = d
}

// Remove drops a terminated dispatcher from the set.
func (s *DispatcherSet) Remove(d *Dispatcher) {
	delete(s.byID, d.ownerKey())
	for i, o := range s.order {
		if o == d {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// AllInstances returns every live dispatcher, insertion order.
func (s *DispatcherSet) AllInstances() []*Dispatcher {
	out := make([]*Dispatcher, len(s.order))
	copy(out, s.order)
	return out
}

// ByName returns the dispatcher currently holding the given display name,
// or ErrNoSuchDispatcher if none does.
func (s *DispatcherSet) ByName(name string) (*Dispatcher, error) {
	for _, d := range s.order {
		if d.DisplayName() == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchDispatcher, name)
}

// MakeUniqueName returns a name not currently held by any other
// dispatcher. On collision it appends "#<n>" for the smallest unused
// n >= 1.
func (s *DispatcherSet) MakeUniqueName(candidate string) string {
	taken := make(map[string]bool, len(s.order))
	for _, d := range s.order {
		taken[d.DisplayName()] = true
	}
	if !taken[candidate] {
		return candidate
	}
	for n := 1; ; n++ {
		next := fmt.Sprintf("%s#%d", candidate, n)
		if !taken[next] {
			return next
		}
	}
}

// MaxDisplayNameLength recomputes the true maximum display-name width
// from the live set on every call, rather than tracking a signed delta
// that can drift under concurrent renames. When interactive is true only
// enabled dispatchers count; otherwise all active dispatchers count.
func (s *DispatcherSet) MaxDisplayNameLength(interactive bool) int {
	max := 0
	for _, d := range s.order {
		if !d.Active() {
			continue
		}
		if interactive && !d.Enabled() {
			continue
		}
		if n := len(d.DisplayName()); n > max {
			max = n
		}
	}
	return max
}

// Replicate duplicates an existing dispatcher's transport configuration
// against a new host, copying Enabled/Debug but not State. The new
// dispatcher is added to the set unless spawn already added it.
func (s *DispatcherSet) Replicate(template *Dispatcher, newHost string, spawn func(hostname, displayName string, interactive bool, debug bool) (*Dispatcher, error)) (*Dispatcher, error) {
	name := s.MakeUniqueName(newHost)
	d, err := spawn(newHost, name, template.interactive, template.Debug())
	if err != nil {
		return nil, err
	}
	d.SetEnabled(template.Enabled())
	if _, ok := s.byID[d.ownerKey()]; !ok {
		s.Add(d)
	}
	return d, nil
}

// ExportRank writes the live dispatcher set's display names, one per
// line, ranked by insertion order, to path, for external tooling to
// script against a stable host ordering.
func (s *DispatcherSet) ExportRank(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("engine: export rank: %w", err)
	}
	defer f.Close()
	for _, d := range s.order {
		if _, err := fmt.Fprintln(f, d.DisplayName()); err != nil {
			return fmt.Errorf("engine: export rank: %w", err)
		}
	}
	return nil
}

// FormatInfo pretty-prints per-dispatcher status rows with column
// alignment, purely presentational.
func (s *DispatcherSet) FormatInfo(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Hostname", "State", "Enabled", "Debug"})

	rows := make([]*Dispatcher, len(s.order))
	copy(rows, s.order)
	sort.SliceStable(rows, func(i, j int) bool {
		return strings.ToLower(rows[i].DisplayName()) < strings.ToLower(rows[j].DisplayName())
	})

	for _, d := range rows {
		t.AppendRow(table.Row{d.DisplayName(), d.Hostname, d.State().String(), d.Enabled(), d.Debug()})
	}
	t.Render()
}
