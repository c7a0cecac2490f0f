// Package identity resolves prescriber identifiers to registry accounts.
package identity

import (
	"regexp"
	"sort"
	"strings"

	"mandatory-use-audit/internal/record"
)

var identifierPattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{7}$`)

// Normalize upper-cases and trims a raw identifier.
func Normalize(identifier string) string {
	return strings.ToUpper(strings.TrimSpace(identifier))
}

// Valid reports whether identifier has the practitioner shape: two letters
// followed by seven digits. Institutional accounts fail this check.
func Valid(identifier string) bool {
	return identifierPattern.MatchString(Normalize(identifier))
}

// Row is one (canonical id, identifier) pair of the identifier map.
type Row struct {
	CanonicalID int64
	Identifier  string
}

// Map is the exploded identifier lookup built from the registry.
type Map struct {
	rows    []Row
	lookup  map[string][]int64
	entries map[int64]record.RegistryEntry
}

// NewMap explodes every entry's comma-separated identifiers into one row per
// non-empty token.
func NewMap(entries []record.RegistryEntry) *Map {
	m := &Map{
		lookup:  map[string][]int64{},
		entries: make(map[int64]record.RegistryEntry, len(entries)),
	}
	for _, entry := range entries {
		if _, exists := m.entries[entry.CanonicalID]; !exists {
			m.entries[entry.CanonicalID] = entry
		}
		for _, token := range Split(entry.RawIdentifiers) {
			m.rows = append(m.rows, Row{CanonicalID: entry.CanonicalID, Identifier: token})
			m.lookup[token] = appendUnique(m.lookup[token], entry.CanonicalID)
		}
	}
	for identifier, ids := range m.lookup {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		m.lookup[identifier] = ids
	}
	return m
}

// Split returns the normalized, non-empty identifiers of a raw registry field.
func Split(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if token := Normalize(part); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Rows returns the identifier map rows in registry order.
func (m *Map) Rows() []Row {
	return append([]Row(nil), m.rows...)
}

// Resolve returns the canonical id registered for identifier. An identifier
// claimed by more than one account resolves to the lowest id.
func (m *Map) Resolve(identifier string) (int64, bool) {
	ids := m.lookup[Normalize(identifier)]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// FinalID resolves identifier to the id its dispensations are credited to.
func (m *Map) FinalID(identifier string) (record.FinalID, int64, bool) {
	identifier = Normalize(identifier)
	if id, ok := m.Resolve(identifier); ok {
		return record.Registered(id), id, true
	}
	return record.Unregistered(identifier), 0, false
}

// Entry returns the registry entry for a canonical id.
func (m *Map) Entry(canonicalID int64) (record.RegistryEntry, bool) {
	entry, ok := m.entries[canonicalID]
	return entry, ok
}

// Ambiguous lists identifiers registered to more than one account, sorted.
func (m *Map) Ambiguous() []string {
	var out []string
	for identifier, ids := range m.lookup {
		if len(ids) > 1 {
			out = append(out, identifier)
		}
	}
	sort.Strings(out)
	return out
}
