package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pharmimport/internal/services"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseJSONAcceptsNumbersAndNull(t *testing.T) {
	data := []byte(`{
		"metadata": {"search_name": "Acme Pharmacy", "search_state": "tx", "search_timestamp": "20240301_101500", "source_image_file": "img/a.png"},
		"result": {"license_number": 12345, "zip": 78701, "issue_date": null, "license_status": "Active"}
	}`)
	rec, err := Parse(data, FormatJSON)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := rec.Result.LicenseNumber.String(); got != "12345" {
		t.Fatalf("license number = %q", got)
	}
	if got := rec.Result.Zip.String(); got != "78701" {
		t.Fatalf("zip = %q", got)
	}
	if rec.Result.IssueDate != "" {
		t.Fatalf("expected empty issue date, got %q", rec.Result.IssueDate)
	}
	if rec.Metadata.SourceImageFile.String() != "img/a.png" {
		t.Fatalf("image ref = %q", rec.Metadata.SourceImageFile)
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte("metadata:\n  search_name: Acme\n  search_state: TX\n  search_timestamp: 2024-03-01 10:15:00\nresult:\n  license_number: 0042\n  status: found\n")
	rec, err := Parse(data, FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Metadata.SearchName.String() != "Acme" {
		t.Fatalf("search name = %q", rec.Metadata.SearchName)
	}
	if rec.Result.LicenseNumber.String() != "0042" {
		t.Fatalf("license number = %q", rec.Result.LicenseNumber)
	}
}

func TestParseFileClassifiesErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ParseFile(filepath.Join(dir, "missing.json")); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"metadata": [`)
	if _, err := ParseFile(bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFormatFor(t *testing.T) {
	if FormatFor("a/B.JSON") != FormatJSON {
		t.Fatal("expected json")
	}
	if FormatFor("a/b.yml") != FormatYAML {
		t.Fatal("expected yaml")
	}
}

func TestScanSkipsHiddenAndSorts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tx", "b.json"), "{}")
	writeFile(t, filepath.Join(root, "tx", "a.yaml"), "{}")
	writeFile(t, filepath.Join(root, "tx", "a.png"), "png")
	writeFile(t, filepath.Join(root, ".cache", "c.json"), "{}")
	writeFile(t, filepath.Join(root, "ca", ".hidden.json"), "{}")

	match := func(name string) bool {
		ext := strings.ToLower(filepath.Ext(name))
		return ext == ".json" || ext == ".yaml"
	}
	inv, err := Scan(context.Background(), root, match)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []string{"tx/a.yaml", "tx/b.json"}
	if strings.Join(inv.Files, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", inv.Files, want)
	}
}

func TestScanMissingRootIsFatal(t *testing.T) {
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	if !errors.Is(err, services.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestScanHonoursCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.json"), "{}")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Scan(ctx, root, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResolveImagePrecedence(t *testing.T) {
	root := t.TempDir()
	record := filepath.Join(root, "tx", "rec.json")
	writeFile(t, record, "{}")
	writeFile(t, filepath.Join(root, "shots", "a.png"), "root-relative")
	writeFile(t, filepath.Join(root, "tx", "local.png"), "record-relative")
	writeFile(t, filepath.Join(root, "tx", "shots", "a.png"), "shadowed")

	got, err := ResolveImage(root, record, "shots/a.png")
	if err != nil {
		t.Fatalf("ResolveImage: %v", err)
	}
	if got != filepath.Join(root, "shots", "a.png") {
		t.Fatalf("expected root-relative path to win, got %s", got)
	}

	got, err = ResolveImage(root, record, "local.png")
	if err != nil {
		t.Fatalf("ResolveImage: %v", err)
	}
	if got != filepath.Join(root, "tx", "local.png") {
		t.Fatalf("expected record-relative fallback, got %s", got)
	}

	abs := filepath.Join(root, "shots", "a.png")
	if got, err = ResolveImage(root, record, abs); err != nil || got != abs {
		t.Fatalf("absolute reference: got %s, %v", got, err)
	}

	if got, err = ResolveImage(root, record, "  "); err != nil || got != "" {
		t.Fatalf("empty reference: got %q, %v", got, err)
	}
}

func TestResolveImageMissing(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveImage(root, filepath.Join(root, "r.json"), "gone.png")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "gone.png") {
		t.Fatalf("error should name the reference: %v", err)
	}
}
