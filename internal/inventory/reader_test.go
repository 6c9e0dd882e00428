package inventory

import (
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeListFile(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.csv.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating list file: %v", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(rows)); err != nil {
		t.Fatalf("writing list file: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing list file: %v", err)
	}
	return path
}

func TestListReader_StreamsEntries(t *testing.T) {
	rows := `"bkt","a/b.txt","v1","true","false","3","2024-01-01T00:00:00.000Z","aaa","false"
"bkt","dir/","v0","true","false","0","2024-01-01T00:00:00.000Z","ddd","false"
"bkt","a/b.txt","v0","false","false","2","2023-01-01T00:00:00.000Z","bbb","false"
`
	path := writeListFile(t, rows)
	r, err := OpenListFile(path, fullSchema(t))
	if err != nil {
		t.Fatalf("OpenListFile() error = %v", err)
	}
	defer r.Close()

	var keys []string
	for {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		keys = append(keys, entry.Key)
	}
	// The directory placeholder is skipped silently.
	if len(keys) != 2 || keys[0] != "a/b.txt" || keys[1] != "a/b.txt" {
		t.Errorf("keys = %v, want [a/b.txt a/b.txt]", keys)
	}
}

func TestListReader_BadRowDoesNotEndStream(t *testing.T) {
	rows := `"bkt","good1.txt","v1","true","false","3","","aaa","false"
"bkt","bad.txt","v1","maybe","false","3","","bbb","false"
"bkt","good2.txt","v1","true","false","3","","ccc","false"
`
	path := writeListFile(t, rows)
	r, err := OpenListFile(path, fullSchema(t))
	if err != nil {
		t.Fatalf("OpenListFile() error = %v", err)
	}
	defer r.Close()

	var good, bad int
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var entryErr *EntryError
		if errors.As(err, &entryErr) {
			bad++
			continue
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		good++
	}
	if good != 2 || bad != 1 {
		t.Errorf("good = %d, bad = %d, want 2 and 1", good, bad)
	}
}

func TestListReader_CloseDeletesScratchFile(t *testing.T) {
	path := writeListFile(t, `"bkt","k.txt","v1","true","false","3","","aaa","false"`+"\n")
	r, err := OpenListFile(path, fullSchema(t))
	if err != nil {
		t.Fatalf("OpenListFile() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("scratch file still exists after Close")
	}
}
