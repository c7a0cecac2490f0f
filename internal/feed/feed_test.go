package feed

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func writeFeed(t *testing.T, dir string, name Name, data string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name.FileName()), []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const dispensationsCSV = `"Month, Day, Year of Patient Birthdate","Month, Day, Year of Written At","Month, Day, Year of Filled At","Month, Day, Year of Dispensations Created At",Prescriber First Name,Prescriber Last Name,Orig Patient First Name,Orig Patient Last Name,Prescriber DEA,Generic Name,Prescription Number,AHFS Description,Daily MME,Days Supply,Animal Name
"June 15, 1980","April 10, 2024","April 11, 2024","April 12, 2024",Ann,Lee,jane,doe, ab1234567 ,OXYCODONE,RX1,OPIOID AGONISTS,"1,200.5",30,Unspecified
`

const registryCSV = `User ID,Associated DEA Number(s),User Full Name,State Professional License,Specialty Level 1,Specialty Level 2,Specialty Level 3
"1,001","AB1234567, CD7654321",DR ANN LEE,MD-1,Medicine,,
`

const searchesCSV = `"Month, Day, Year of Search Creation Date","Month, Day, Year of Searched DOB",Searched First Name,Searched Last Name,Partial First Name?,Partial Last Name?,True ID
"April 9, 2024","June 15, 1980",Jane,Doe,False,True,1001
"April 9, 2024","June 15, 1980",Jane,Doe,False,False,
`

const therapyCSV = `"Month, Day, Year of Patient Birthdate","Month, Day, Year of Filled At","Month, Day, Year of Dispensations Created At","Month, Day, Year of Written At",Orig Patient First Name,Orig Patient Last Name,Prescriber DEA,AHFS Description,"Month, Day, Year of rx_end",Animal Name
"June 15, 1980","April 1, 2024","April 2, 2024","March 30, 2024",Jane,Doe,AB1234567,BENZODIAZEPINES,"May 1, 2024",~
`

const naiveCSV = `Orig Patient First Name,Orig Patient Last Name,Max. naive_end,"Month, Day, Year of Patient Birthdate","Month, Day, Year of Filled At",Animal Name
Jane,Doe,4/30/2024,"June 15, 1980","March 1, 2024",~
`

func TestDecodeDispensations(t *testing.T) {
	ds, err := DecodeDispensations(strings.NewReader(dispensationsCSV))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 dispensation, got %d", len(ds))
	}
	d := ds[0]
	if d.RxNumber != "RX1" || d.PatientName != "JANE DOE" || d.PrescriberName != "ANN LEE" {
		t.Fatalf("unexpected names %+v", d)
	}
	if !d.WrittenDate.Equal(day(2024, 4, 10)) || !d.PatientDOB.Equal(day(1980, 6, 15)) || !d.CreatedDate.Equal(day(2024, 4, 12)) {
		t.Fatalf("unexpected dates %+v", d)
	}
	if d.DailyDose != 1200.5 || d.DaysSupply != 30 {
		t.Fatalf("unexpected numbers %+v", d)
	}
	if d.PrescriberIdentifier != "ab1234567" {
		t.Fatalf("identifier should be left for the normalizer, got %q", d.PrescriberIdentifier)
	}
}

func TestDecodeDateFailureIsFatal(t *testing.T) {
	bad := strings.Replace(dispensationsCSV, `"April 10, 2024"`, `"10th of April"`, 1)
	_, err := DecodeDispensations(strings.NewReader(bad))
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Row != 2 || parseErr.Column != "written_date" {
		t.Fatalf("unexpected parse error %+v", parseErr)
	}
}

func TestDecodeMissingColumn(t *testing.T) {
	_, err := DecodeRegistry(strings.NewReader("User Full Name\nANN\n"))
	if err == nil || !strings.Contains(err.Error(), "canonical_id") || !strings.Contains(err.Error(), "identifiers") {
		t.Fatalf("expected both missing columns named, got %v", err)
	}
}

func TestDecodeSearchesPartialAndSkip(t *testing.T) {
	ss, err := DecodeSearches(strings.NewReader(searchesCSV))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ss) != 1 {
		t.Fatalf("expected row without subject id skipped, got %d rows", len(ss))
	}
	if ss[0].SubjectID != 1001 || !ss[0].Partial || ss[0].SearchedName != "JANE DOE" {
		t.Fatalf("unexpected search %+v", ss[0])
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFeed(t, dir, Dispensations, dispensationsCSV)
	writeFeed(t, dir, Registry, registryCSV)
	writeFeed(t, dir, Searches, searchesCSV)

	_, err := LoadDir(dir, true)
	if !errors.Is(err, ErrMissingFeed) {
		t.Fatalf("expected missing feed error, got %v", err)
	}
	if !strings.Contains(err.Error(), "active_rx") || !strings.Contains(err.Error(), "naive_rx") {
		t.Fatalf("expected every missing feed listed, got %v", err)
	}

	in, err := LoadDir(dir, false)
	if err != nil {
		t.Fatalf("load base: %v", err)
	}
	if len(in.Registry) != 1 || in.Registry[0].CanonicalID != 1001 || in.Therapies != nil {
		t.Fatalf("unexpected inputs %+v", in)
	}

	writeFeed(t, dir, ActiveTherapy, therapyCSV)
	writeFeed(t, dir, NaiveRx, naiveCSV)
	in, err = LoadDir(dir, true)
	if err != nil {
		t.Fatalf("load full: %v", err)
	}
	if len(in.Therapies) != 1 || !in.Therapies[0].TherapyEnd.Equal(day(2024, 5, 1)) {
		t.Fatalf("unexpected therapies %+v", in.Therapies)
	}
	if len(in.References) != 1 || !in.References[0].WindowEnd.Equal(day(2024, 4, 30)) {
		t.Fatalf("unexpected references %+v", in.References)
	}
}
