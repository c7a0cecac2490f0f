package feed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mandatory-use-audit/internal/record"
)

// Name identifies one logical extract.
type Name string

const (
	Dispensations Name = "dispensations"
	Searches      Name = "searches"
	Registry      Name = "ID"
	ActiveTherapy Name = "active_rx"
	NaiveRx       Name = "naive_rx"
)

// ErrMissingFeed is returned when a required extract is absent.
var ErrMissingFeed = errors.New("missing required feed")

// FileName is the extract's file name inside the data directory.
func (n Name) FileName() string {
	return string(n) + "_data.csv"
}

// Required lists the feeds a run needs.
func Required(secondary bool) []Name {
	names := []Name{Dispensations, Searches, Registry}
	if secondary {
		names = append(names, ActiveTherapy, NaiveRx)
	}
	return names
}

// CheckPresent reports every required feed missing from dir in one error.
func CheckPresent(dir string, names []Name) error {
	var errs []error
	for _, name := range names {
		path := filepath.Join(dir, name.FileName())
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s (%s)", ErrMissingFeed, name, path))
		}
	}
	return errors.Join(errs...)
}

// Inputs is every decoded extract of a run.
type Inputs struct {
	Registry      []record.RegistryEntry
	Dispensations []record.Dispensation
	Searches      []record.Search
	Therapies     []record.Therapy
	References    []record.NaiveReference
}

// LoadDir decodes the extracts stored in dir. The active-therapy and naive
// reference feeds are only read when secondary metrics are enabled.
func LoadDir(dir string, secondary bool) (Inputs, error) {
	if err := CheckPresent(dir, Required(secondary)); err != nil {
		return Inputs{}, err
	}
	var in Inputs
	var err error
	if in.Registry, err = decodeFile(dir, Registry, DecodeRegistry); err != nil {
		return Inputs{}, err
	}
	if in.Dispensations, err = decodeFile(dir, Dispensations, DecodeDispensations); err != nil {
		return Inputs{}, err
	}
	if in.Searches, err = decodeFile(dir, Searches, DecodeSearches); err != nil {
		return Inputs{}, err
	}
	if !secondary {
		return in, nil
	}
	if in.Therapies, err = decodeFile(dir, ActiveTherapy, DecodeTherapies); err != nil {
		return Inputs{}, err
	}
	if in.References, err = decodeFile(dir, NaiveRx, DecodeReferences); err != nil {
		return Inputs{}, err
	}
	return in, nil
}

func decodeFile[T any](dir string, name Name, decode func(io.Reader) ([]T, error)) ([]T, error) {
	file, err := os.Open(filepath.Join(dir, name.FileName()))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return decode(file)
}

var registryFields = []field{
	{name: "canonical_id", aliases: []string{"User ID", "true_id"}, required: true},
	{name: "identifiers", aliases: []string{"Associated DEA Number(s)", "dea_number(s)", "dea_numbers"}, required: true},
	{name: "display_name", aliases: []string{"User Full Name", "user_full_name", "prescriber_name"}},
	{name: "license_number", aliases: []string{"State Professional License"}},
	{name: "specialty_1", aliases: []string{"Specialty Level 1"}},
	{name: "specialty_2", aliases: []string{"Specialty Level 2"}},
	{name: "specialty_3", aliases: []string{"Specialty Level 3"}},
}

// DecodeRegistry reads the prescriber registry ("ID") extract.
func DecodeRegistry(r io.Reader) ([]record.RegistryEntry, error) {
	t, err := newTable(r, Registry, registryFields)
	if err != nil {
		return nil, err
	}
	var out []record.RegistryEntry
	for {
		ok, err := t.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if t.str("canonical_id") == "" {
			return nil, t.fail("canonical_id", "", errors.New("canonical id is required"))
		}
		id, err := t.integer("canonical_id")
		if err != nil {
			return nil, err
		}
		out = append(out, record.RegistryEntry{
			CanonicalID:    id,
			RawIdentifiers: t.str("identifiers"),
			DisplayName:    t.str("display_name"),
			LicenseNumber:  t.str("license_number"),
			Specialties:    [3]string{t.str("specialty_1"), t.str("specialty_2"), t.str("specialty_3")},
		})
	}
}

var dispensationFields = []field{
	{name: "patient_dob", aliases: []string{"Month, Day, Year of Patient Birthdate", "disp_dob", "dob"}, required: true},
	{name: "written_date", aliases: []string{"Month, Day, Year of Written At"}, required: true},
	{name: "filled_date", aliases: []string{"Month, Day, Year of Filled At"}},
	{name: "created_date", aliases: []string{"Month, Day, Year of Dispensations Created At", "disp_created_date"}},
	{name: "prescriber_first_name", aliases: []string{"Prescriber First Name"}},
	{name: "prescriber_last_name", aliases: []string{"Prescriber Last Name"}},
	{name: "patient_first_name", aliases: []string{"Orig Patient First Name"}},
	{name: "patient_last_name", aliases: []string{"Orig Patient Last Name"}},
	{name: "prescriber_identifier", aliases: []string{"Prescriber DEA", "prescriber_dea"}, required: true},
	{name: "generic_name", aliases: []string{"Generic Name"}},
	{name: "rx_number", aliases: []string{"Prescription Number"}, required: true},
	{name: "drug_class", aliases: []string{"AHFS Description", "ahfs"}},
	{name: "daily_dose", aliases: []string{"Daily MME", "mme"}},
	{name: "days_supply", aliases: []string{"Days Supply"}},
	{name: "animal_name", aliases: []string{"Animal Name"}},
}

// DecodeDispensations reads the dispensations extract. Names are joined and
// upper-cased; identifiers are left for the normalizer.
func DecodeDispensations(r io.Reader) ([]record.Dispensation, error) {
	t, err := newTable(r, Dispensations, dispensationFields)
	if err != nil {
		return nil, err
	}
	var out []record.Dispensation
	for {
		ok, err := t.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		d := record.Dispensation{
			RxNumber:             t.str("rx_number"),
			PrescriberIdentifier: t.str("prescriber_identifier"),
			PrescriberName:       record.FullName(t.str("prescriber_first_name"), t.str("prescriber_last_name")),
			PatientName:          record.FullName(t.str("patient_first_name"), t.str("patient_last_name")),
			GenericName:          t.str("generic_name"),
			DrugClassText:        t.str("drug_class"),
			AnimalName:           t.str("animal_name"),
		}
		if d.PatientDOB, err = t.date("patient_dob"); err != nil {
			return nil, err
		}
		if d.WrittenDate, err = t.date("written_date"); err != nil {
			return nil, err
		}
		if d.FilledDate, err = t.date("filled_date"); err != nil {
			return nil, err
		}
		if d.CreatedDate, err = t.date("created_date"); err != nil {
			return nil, err
		}
		if d.DailyDose, err = t.float("daily_dose"); err != nil {
			return nil, err
		}
		days, err := t.integer("days_supply")
		if err != nil {
			return nil, err
		}
		d.DaysSupply = int(days)
		out = append(out, d)
	}
}

var searchFields = []field{
	{name: "created_date", aliases: []string{"Month, Day, Year of Search Creation Date"}, required: true},
	{name: "searched_dob", aliases: []string{"Month, Day, Year of Searched DOB", "search_dob"}, required: true},
	{name: "first_name", aliases: []string{"Searched First Name"}},
	{name: "last_name", aliases: []string{"Searched Last Name"}},
	{name: "partial_first", aliases: []string{"Partial First Name?"}},
	{name: "partial_last", aliases: []string{"Partial Last Name?"}},
	{name: "subject_id", aliases: []string{"True ID", "true_id"}, required: true},
}

// DecodeSearches reads the searches extract. Rows without a subject id cannot
// be credited to anyone and are skipped.
func DecodeSearches(r io.Reader) ([]record.Search, error) {
	t, err := newTable(r, Searches, searchFields)
	if err != nil {
		return nil, err
	}
	var out []record.Search
	for {
		ok, err := t.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if t.str("subject_id") == "" {
			continue
		}
		s := record.Search{
			SearchedName: record.FullName(t.str("first_name"), t.str("last_name")),
			Partial:      t.boolean("partial_first") || t.boolean("partial_last"),
		}
		if s.SubjectID, err = t.integer("subject_id"); err != nil {
			return nil, err
		}
		if s.CreatedDate, err = t.date("created_date"); err != nil {
			return nil, err
		}
		if s.SearchedDOB, err = t.date("searched_dob"); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

var therapyFields = []field{
	{name: "patient_dob", aliases: []string{"Month, Day, Year of Patient Birthdate", "dob"}, required: true},
	{name: "filled_date", aliases: []string{"Month, Day, Year of Filled At"}, required: true},
	{name: "created_date", aliases: []string{"Month, Day, Year of Dispensations Created At", "create_date"}, required: true},
	{name: "written_date", aliases: []string{"Month, Day, Year of Written At"}, required: true},
	{name: "patient_first_name", aliases: []string{"Orig Patient First Name"}},
	{name: "patient_last_name", aliases: []string{"Orig Patient Last Name"}},
	{name: "prescriber_identifier", aliases: []string{"Prescriber DEA", "dea"}, required: true},
	{name: "drug_class", aliases: []string{"AHFS Description", "ahfs"}, required: true},
	{name: "therapy_end_date", aliases: []string{"Month, Day, Year of rx_end", "rx_end"}, required: true},
	{name: "animal_name", aliases: []string{"Animal Name"}},
}

// DecodeTherapies reads the active-therapy extract.
func DecodeTherapies(r io.Reader) ([]record.Therapy, error) {
	t, err := newTable(r, ActiveTherapy, therapyFields)
	if err != nil {
		return nil, err
	}
	var out []record.Therapy
	for {
		ok, err := t.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		th := record.Therapy{
			PrescriberIdentifier: t.str("prescriber_identifier"),
			PatientName:          record.FullName(t.str("patient_first_name"), t.str("patient_last_name")),
			DrugClassText:        t.str("drug_class"),
			AnimalName:           t.str("animal_name"),
		}
		if th.PatientDOB, err = t.date("patient_dob"); err != nil {
			return nil, err
		}
		if th.FilledDate, err = t.date("filled_date"); err != nil {
			return nil, err
		}
		if th.CreatedDate, err = t.date("created_date"); err != nil {
			return nil, err
		}
		if th.WrittenDate, err = t.date("written_date"); err != nil {
			return nil, err
		}
		if th.TherapyEnd, err = t.date("therapy_end_date"); err != nil {
			return nil, err
		}
		out = append(out, th)
	}
}

var referenceFields = []field{
	{name: "patient_first_name", aliases: []string{"Orig Patient First Name"}},
	{name: "patient_last_name", aliases: []string{"Orig Patient Last Name"}},
	{name: "reference_window_end_date", aliases: []string{"Max. naive_end", "naive_end"}, required: true},
	{name: "patient_dob", aliases: []string{"Month, Day, Year of Patient Birthdate", "dob"}, required: true},
	{name: "reference_fill_date", aliases: []string{"Month, Day, Year of Filled At", "naive_filled_date"}, required: true},
	{name: "animal_name", aliases: []string{"Animal Name"}},
}

// DecodeReferences reads the naive-reference extract.
func DecodeReferences(r io.Reader) ([]record.NaiveReference, error) {
	t, err := newTable(r, NaiveRx, referenceFields)
	if err != nil {
		return nil, err
	}
	var out []record.NaiveReference
	for {
		ok, err := t.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		ref := record.NaiveReference{
			PatientName: record.FullName(t.str("patient_first_name"), t.str("patient_last_name")),
			AnimalName:  t.str("animal_name"),
		}
		if ref.PatientDOB, err = t.date("patient_dob"); err != nil {
			return nil, err
		}
		if ref.FillDate, err = t.date("reference_fill_date"); err != nil {
			return nil, err
		}
		if ref.WindowEnd, err = t.date("reference_window_end_date"); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
}
