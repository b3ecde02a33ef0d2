package daemon

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadNameserversParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	content := "# generated\nnameserver 8.8.8.8\nsearch example.com\nnameserver 1.1.1.1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got := readNameservers(path)
	want := []string{"8.8.8.8", "1.1.1.1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readNameservers() = %v, want %v", got, want)
	}
}

func TestReadNameserversMissingFile(t *testing.T) {
	got := readNameservers(filepath.Join(t.TempDir(), "does-not-exist"))
	if got != nil {
		t.Errorf("readNameservers() = %v, want nil", got)
	}
}

func TestReadNameserversIgnoresMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	content := "nameserver\nnameserver 8.8.8.8 extra\nnameserver 9.9.9.9\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got := readNameservers(path)
	want := []string{"9.9.9.9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readNameservers() = %v, want %v", got, want)
	}
}
