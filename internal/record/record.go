// Package record holds the immutable row types shared by every stage of a
// mandatory-use run.
package record

import (
	"strconv"
	"strings"
	"time"
)

// RegistryEntry is one registered prescriber account.
type RegistryEntry struct {
	CanonicalID    int64
	RawIdentifiers string
	DisplayName    string
	LicenseNumber  string
	Specialties    [3]string
}

// Dispensation is one dispensed prescription. The linkage fields
// (SearchWindow*, ResolvedID, FinalID, Searched) are filled by the
// normalizer and the attribution engine.
type Dispensation struct {
	RxNumber             string
	PrescriberIdentifier string
	PrescriberName       string
	WrittenDate          time.Time
	FilledDate           time.Time
	CreatedDate          time.Time
	PatientDOB           time.Time
	PatientName          string
	GenericName          string
	DrugClassText        string
	DailyDose            float64
	DaysSupply           int
	AnimalName           string

	SearchWindowStart time.Time
	SearchWindowEnd   time.Time
	ResolvedID        int64
	Resolved          bool
	FinalID           FinalID
	Searched          bool
}

// Key identifies a dispensation after linkage.
type Key struct {
	RxNumber             string
	PrescriberIdentifier string
	WrittenDate          time.Time
}

func (d Dispensation) Key() Key {
	return Key{RxNumber: d.RxNumber, PrescriberIdentifier: d.PrescriberIdentifier, WrittenDate: d.WrittenDate}
}

// IsAnimal reports whether the record was written for a veterinary patient.
func (d Dispensation) IsAnimal() bool {
	return IsAnimalName(d.AnimalName)
}

// Search is one logged database lookup.
type Search struct {
	SubjectID    int64
	CreatedDate  time.Time
	SearchedDOB  time.Time
	SearchedName string
	Partial      bool
}

// DrugClass is the coarse class used by the overlap detector.
type DrugClass int

const (
	ClassOther DrugClass = iota
	ClassSedative
	ClassOpioid
)

func (c DrugClass) String() string {
	switch c {
	case ClassSedative:
		return "sedative"
	case ClassOpioid:
		return "opioid"
	default:
		return "other"
	}
}

// Therapy is one active controlled-substance supply.
type Therapy struct {
	FinalID              FinalID
	PrescriberIdentifier string
	PatientDOB           time.Time
	PatientName          string
	DrugClassText        string
	WrittenDate          time.Time
	FilledDate           time.Time
	CreatedDate          time.Time
	TherapyEnd           time.Time
	AnimalName           string
}

// NaiveReference is a prior opioid fill that establishes tolerance for the
// patient until WindowEnd.
type NaiveReference struct {
	PatientDOB  time.Time
	PatientName string
	FillDate    time.Time
	WindowEnd   time.Time
	AnimalName  string
}

// IsAnimalName treats the export's placeholders for "no animal" as human.
func IsAnimalName(name string) bool {
	switch strings.TrimSpace(name) {
	case "", "~", "Unspecified":
		return false
	default:
		return true
	}
}

// FullName joins first and last name the way every feed is compared:
// "FIRST LAST", upper-cased and trimmed.
func FullName(first, last string) string {
	return strings.ToUpper(strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last)))
}

// FinalID is the identity a dispensation is credited to: the canonical id of
// a registered prescriber, or the raw identifier of an unregistered one.
type FinalID struct {
	canonical  int64
	raw        string
	registered bool
}

// Registered returns the FinalID of a registry account.
func Registered(canonicalID int64) FinalID {
	return FinalID{canonical: canonicalID, registered: true}
}

// Unregistered returns the FinalID of an identifier with no registry match.
func Unregistered(identifier string) FinalID {
	return FinalID{raw: identifier}
}

// Canonical returns the canonical id when the FinalID is registered.
func (f FinalID) Canonical() (int64, bool) {
	return f.canonical, f.registered
}

// Identifier returns the raw identifier when the FinalID is unregistered.
func (f FinalID) Identifier() (string, bool) {
	return f.raw, !f.registered && f.raw != ""
}

func (f FinalID) IsRegistered() bool { return f.registered }

func (f FinalID) IsZero() bool { return !f.registered && f.raw == "" }

func (f FinalID) String() string {
	if f.registered {
		return strconv.FormatInt(f.canonical, 10)
	}
	return f.raw
}

// Less orders registered ids numerically before unregistered identifiers.
func (f FinalID) Less(other FinalID) bool {
	if f.registered != other.registered {
		return f.registered
	}
	if f.registered {
		return f.canonical < other.canonical
	}
	return f.raw < other.raw
}
