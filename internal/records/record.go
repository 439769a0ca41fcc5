package records

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmimport/internal/services"
	"pharmimport/internal/source"
	"pharmimport/internal/textutil"
)

// Result statuses.
const (
	StatusFound    = "found"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Record is one imported row. Optional columns are pointers so absent values
// are stored as NULL rather than empty text.
type Record struct {
	Dataset         string
	Jurisdiction    string
	NaturalKey      string
	SearchName      string
	SearchTimestamp time.Time
	LicenseNumber   *string
	LicenseStatus   string
	LicenseName     string
	LicenseType     string
	IssueDate       *string
	ExpirationDate  *string
	Address         string
	City            string
	State           string
	Zip             string
	ResultStatus    string
	ImageHash       *string
	SourceFile      string
	ImportedAt      time.Time
}

// Key identifies a row within the store.
type Key struct {
	Dataset      string
	Jurisdiction string
	NaturalKey   string
}

// Key returns the row's natural key.
func (r Record) Key() Key {
	return Key{Dataset: r.Dataset, Jurisdiction: r.Jurisdiction, NaturalKey: r.NaturalKey}
}

// String renders the key for logs and state documents.
func (k Key) String() string {
	return k.Dataset + "/" + k.Jurisdiction + "/" + k.NaturalKey
}

// NaturalKey derives the per-jurisdiction identity of a record: the licence
// number when present, else the search identity and timestamp.
func NaturalKey(licenseNumber, searchName string, searchTimestamp time.Time) string {
	if lic := strings.TrimSpace(licenseNumber); lic != "" {
		return "lic:" + strings.ToUpper(lic)
	}
	return "search:" + textutil.FoldKey(searchName) + "@" + FormatTimestamp(searchTimestamp)
}

// FromSource builds the row for rec. sourceFile is the item key of the record
// file. Missing required fields and an unknown result status are reported
// together as a single validation error.
func FromSource(dataset string, rec *source.Record, sourceFile string) (Record, error) {
	if rec == nil {
		return Record{}, services.Wrap(services.ErrValidation, "importing", "build row", sourceFile, errors.New("empty record"))
	}
	meta, res := rec.Metadata, rec.Result
	row := Record{
		Dataset:        dataset,
		Jurisdiction:   strings.ToUpper(textutil.CleanText(meta.SearchState.String())),
		SearchName:     textutil.CleanText(meta.SearchName.String()),
		LicenseNumber:  optional(res.LicenseNumber.String()),
		LicenseStatus:  textutil.CleanText(res.LicenseStatus.String()),
		LicenseName:    textutil.CleanText(res.LicenseName.String()),
		LicenseType:    textutil.CleanText(res.LicenseType.String()),
		IssueDate:      CleanDate(res.IssueDate.String()),
		ExpirationDate: CleanDate(res.ExpirationDate.String()),
		Address:        textutil.CleanText(res.Address.String()),
		City:           textutil.CleanText(res.City.String()),
		State:          strings.ToUpper(textutil.CleanText(res.State.String())),
		Zip:            textutil.CleanText(res.Zip.String()),
		SourceFile:     sourceFile,
	}

	var problems []error
	if strings.TrimSpace(dataset) == "" {
		problems = append(problems, errors.New("dataset is required"))
	}
	if row.SearchName == "" {
		problems = append(problems, errors.New("metadata.search_name is required"))
	}
	if row.Jurisdiction == "" {
		problems = append(problems, errors.New("metadata.search_state is required"))
	}
	if raw := meta.SearchTimestamp.String(); raw == "" {
		problems = append(problems, errors.New("metadata.search_timestamp is required"))
	} else if ts, err := ParseTimestamp(raw); err != nil {
		problems = append(problems, fmt.Errorf("metadata.search_timestamp: %w", err))
	} else {
		row.SearchTimestamp = ts
	}

	status, err := normalizeStatus(res.Status.String(), row.LicenseNumber != nil)
	if err != nil {
		problems = append(problems, err)
	}
	row.ResultStatus = status
	if status == StatusFound && row.LicenseNumber == nil {
		problems = append(problems, errors.New("result.license_number is required when status is found"))
	}

	if len(problems) > 0 {
		return Record{}, services.Wrap(services.ErrValidation, "importing", "build row", sourceFile, errors.Join(problems...))
	}
	lic := ""
	if row.LicenseNumber != nil {
		lic = *row.LicenseNumber
	}
	row.NaturalKey = NaturalKey(lic, row.SearchName, row.SearchTimestamp)
	return row, nil
}

func normalizeStatus(raw string, hasLicense bool) (string, error) {
	status := strings.ReplaceAll(textutil.FoldKey(raw), " ", "_")
	switch status {
	case "":
		if hasLicense {
			return StatusFound, nil
		}
		return StatusNotFound, nil
	case StatusFound, StatusNotFound, StatusError:
		return status, nil
	case "notfound", "not-found", "none":
		return StatusNotFound, nil
	default:
		return "", fmt.Errorf("result.status %q is not one of found, not_found, error", raw)
	}
}

func optional(value string) *string {
	value = textutil.CleanText(value)
	if value == "" || isSentinel(value) {
		return nil
	}
	return &value
}

// Latest reports whether candidate supersedes current under the conflict
// rule: later search timestamp wins; equal timestamps fall to the greater
// source file so the outcome does not depend on write order.
func Latest(candidate, current Record) bool {
	if !candidate.SearchTimestamp.Equal(current.SearchTimestamp) {
		return candidate.SearchTimestamp.After(current.SearchTimestamp)
	}
	return candidate.SourceFile >= current.SourceFile
}

// Diff lists the columns whose values differ between want and got. The
// import timestamp and image reference are not compared.
func Diff(want, got Record) []string {
	var fields []string
	check := func(name string, equal bool) {
		if !equal {
			fields = append(fields, name)
		}
	}
	check("search_name", want.SearchName == got.SearchName)
	check("search_timestamp", want.SearchTimestamp.Equal(got.SearchTimestamp))
	check("license_number", equalOptional(want.LicenseNumber, got.LicenseNumber))
	check("license_status", want.LicenseStatus == got.LicenseStatus)
	check("license_name", want.LicenseName == got.LicenseName)
	check("license_type", want.LicenseType == got.LicenseType)
	check("issue_date", equalOptional(want.IssueDate, got.IssueDate))
	check("expiration_date", equalOptional(want.ExpirationDate, got.ExpirationDate))
	check("address", want.Address == got.Address)
	check("city", want.City == got.City)
	check("state", want.State == got.State)
	check("zip", want.Zip == got.Zip)
	check("result_status", want.ResultStatus == got.ResultStatus)
	check("source_file", want.SourceFile == got.SourceFile)
	return fields
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
