// Package dispense canonicalizes raw dispensation records before linkage.
package dispense

import (
	"fmt"
	"strings"

	"mandatory-use-audit/internal/identity"
	"mandatory-use-audit/internal/record"
)

// VetPolicy selects which veterinary records survive normalization.
type VetPolicy string

const (
	// VetExclude drops records written for animals.
	VetExclude VetPolicy = "exclude"
	// VetInclude keeps every record.
	VetInclude VetPolicy = "include"
	// VetOnly keeps only records written for animals.
	VetOnly VetPolicy = "only"
)

// ParseVetPolicy validates a configured policy name.
func ParseVetPolicy(value string) (VetPolicy, error) {
	switch VetPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case VetExclude, "":
		return VetExclude, nil
	case VetInclude:
		return VetInclude, nil
	case VetOnly:
		return VetOnly, nil
	default:
		return "", fmt.Errorf("invalid vet policy %q (want exclude, include or only)", value)
	}
}

// Keep reports whether a record with the given animal name passes the policy.
func (p VetPolicy) Keep(animalName string) bool {
	switch p {
	case VetInclude:
		return true
	case VetOnly:
		return record.IsAnimalName(animalName)
	default:
		return !record.IsAnimalName(animalName)
	}
}

type Options struct {
	LookbackDays int
	VetPolicy    VetPolicy
}

// Stats counts what normalization dropped.
type Stats struct {
	Read         int
	Kept         int
	InvalidID    int
	Veterinary   int
	Registered   int
	Unregistered int
}

// Normalize validates identifiers, applies the veterinary policy, computes
// each record's search window and resolves its final id.
func Normalize(raw []record.Dispensation, ids *identity.Map, opts Options) ([]record.Dispensation, Stats) {
	stats := Stats{Read: len(raw)}
	out := make([]record.Dispensation, 0, len(raw))
	for _, d := range raw {
		d.PrescriberIdentifier = identity.Normalize(d.PrescriberIdentifier)
		if !identity.Valid(d.PrescriberIdentifier) {
			stats.InvalidID++
			continue
		}
		if !opts.VetPolicy.Keep(d.AnimalName) {
			stats.Veterinary++
			continue
		}

		d.SearchWindowStart = d.WrittenDate.AddDate(0, 0, -opts.LookbackDays)
		d.SearchWindowEnd = d.WrittenDate.AddDate(0, 0, 1)
		d.FinalID, d.ResolvedID, d.Resolved = ids.FinalID(d.PrescriberIdentifier)
		d.Searched = false
		if d.Resolved {
			stats.Registered++
		} else {
			stats.Unregistered++
		}
		out = append(out, d)
	}
	stats.Kept = len(out)
	return out, stats
}

// Unique keeps the first record of each (rx number, prescriber identifier,
// written date) key, in input order.
func Unique(ds []record.Dispensation) []record.Dispensation {
	seen := make(map[record.Key]struct{}, len(ds))
	out := make([]record.Dispensation, 0, len(ds))
	for _, d := range ds {
		key := d.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Therapies resolves the final id of active-therapy records and applies the
// veterinary policy. Identifiers are not pattern-checked here: overlap credit
// follows whoever wrote the supply.
func Therapies(raw []record.Therapy, ids *identity.Map, policy VetPolicy) []record.Therapy {
	out := make([]record.Therapy, 0, len(raw))
	for _, t := range raw {
		if !policy.Keep(t.AnimalName) {
			continue
		}
		t.PrescriberIdentifier = identity.Normalize(t.PrescriberIdentifier)
		t.FinalID, _, _ = ids.FinalID(t.PrescriberIdentifier)
		out = append(out, t)
	}
	return out
}

// References applies the veterinary policy to naive reference records.
func References(raw []record.NaiveReference, policy VetPolicy) []record.NaiveReference {
	out := make([]record.NaiveReference, 0, len(raw))
	for _, r := range raw {
		if policy.Keep(r.AnimalName) {
			out = append(out, r)
		}
	}
	return out
}
