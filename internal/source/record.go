package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"pharmimport/internal/services"
)

// Text is a string field that also accepts JSON numbers and null, since
// exporters disagree on whether licence numbers and zip codes are quoted.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*t = Text(data)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*t = Text(n.String())
		return nil
	}
}

// String returns the trimmed value.
func (t Text) String() string {
	return strings.TrimSpace(string(t))
}

// Metadata describes the search that produced a record.
type Metadata struct {
	SearchName      Text `json:"search_name" yaml:"search_name"`
	SearchState     Text `json:"search_state" yaml:"search_state"`
	SearchTimestamp Text `json:"search_timestamp" yaml:"search_timestamp"`
	SourceImageFile Text `json:"source_image_file" yaml:"source_image_file"`
}

// Result carries the licence fields returned by the search.
type Result struct {
	Status         Text `json:"status" yaml:"status"`
	LicenseNumber  Text `json:"license_number" yaml:"license_number"`
	LicenseStatus  Text `json:"license_status" yaml:"license_status"`
	LicenseName    Text `json:"license_name" yaml:"license_name"`
	LicenseType    Text `json:"license_type" yaml:"license_type"`
	IssueDate      Text `json:"issue_date" yaml:"issue_date"`
	ExpirationDate Text `json:"expiration_date" yaml:"expiration_date"`
	Address        Text `json:"address" yaml:"address"`
	City           Text `json:"city" yaml:"city"`
	State          Text `json:"state" yaml:"state"`
	Zip            Text `json:"zip" yaml:"zip"`
}

// Record is one decoded source record file.
type Record struct {
	Metadata Metadata `json:"metadata" yaml:"metadata"`
	Result   Result   `json:"result" yaml:"result"`
}

// Format is a record file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the decoder for path by extension. Unknown extensions are
// decoded as YAML, which also accepts most JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Parse decodes data in the given format.
func Parse(data []byte, format Format) (*Record, error) {
	var rec Record
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, decodeError(format, err)
		}
	default:
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, decodeError(format, err)
		}
	}
	return &rec, nil
}

// ParseFile reads and decodes the record at path. A file that cannot be read
// is a planning error; one that cannot be decoded is a validation error.
func ParseFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "planning", "read record", path, err)
	}
	rec, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "planning", "decode record", path, err)
	}
	return rec, nil
}

func decodeError(format Format, err error) error {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return fmt.Errorf("%s syntax error at offset %d: %w", format, syntax.Offset, err)
	}
	return fmt.Errorf("%s: %w", format, err)
}
