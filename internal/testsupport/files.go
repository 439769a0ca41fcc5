package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteImage writes a file that starts with a PNG signature followed by
// payload. Equal payloads produce byte-identical images.
func WriteImage(t testing.TB, root, rel, payload string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := append(append([]byte(nil), pngSignature...), payload...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write image %s: %v", path, err)
	}
	return path
}

// Record describes a search result file fixture. Empty fields are omitted.
type Record struct {
	Name           string
	State          string
	Timestamp      string
	Image          string
	Status         string
	License        string
	LicenseStatus  string
	LicenseName    string
	LicenseType    string
	IssueDate      string
	ExpirationDate string
	Address        string
	City           string
	Zip            string
}

// WriteRecord writes rec as a JSON record file at root/rel and returns its
// absolute path.
func WriteRecord(t testing.TB, root, rel string, rec Record) string {
	t.Helper()
	meta := map[string]string{}
	put(meta, "search_name", rec.Name)
	put(meta, "search_state", rec.State)
	put(meta, "search_timestamp", rec.Timestamp)
	put(meta, "source_image_file", rec.Image)
	result := map[string]string{}
	put(result, "status", rec.Status)
	put(result, "license_number", rec.License)
	put(result, "license_status", rec.LicenseStatus)
	put(result, "license_name", rec.LicenseName)
	put(result, "license_type", rec.LicenseType)
	put(result, "issue_date", rec.IssueDate)
	put(result, "expiration_date", rec.ExpirationDate)
	put(result, "address", rec.Address)
	put(result, "city", rec.City)
	put(result, "state", rec.State)
	put(result, "zip", rec.Zip)

	data, err := json.MarshalIndent(map[string]any{"metadata": meta, "result": result}, "", "  ")
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write record %s: %v", path, err)
	}
	return path
}

func put(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
