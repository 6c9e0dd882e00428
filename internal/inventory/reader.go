package inventory

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// ListReader streams entries out of a downloaded inventory list file. The
// file's md5 must have been verified against the manifest before the reader
// is constructed; entries are only ever surfaced from verified bytes.
type ListReader struct {
	file *os.File
	path string
	gz   *gzip.Reader
	csv  *csv.Reader
	sch  *Schema
}

var _ EntryReader = (*ListReader)(nil)

// OpenListFile opens a checksum-verified scratch file containing a
// gzip-compressed CSV list. The file is deleted when the reader is closed.
func OpenListFile(path string, schema *Schema) (*ListReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening inventory list file: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("decompressing inventory list file %s: %w", path, err)
	}
	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = -1
	return &ListReader{file: f, path: path, gz: gz, csv: cr, sch: schema}, nil
}

// Next returns the next entry. Directory placeholders are skipped. A
// *EntryError describes a single bad row and leaves the reader usable;
// io.EOF ends the stream.
func (r *ListReader) Next() (Entry, error) {
	for {
		record, err := r.csv.Read()
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		if err != nil {
			return Entry{}, fmt.Errorf("reading inventory CSV: %w", err)
		}
		entry, ok, err := r.sch.ParseRow(record)
		if err != nil {
			return Entry{}, err
		}
		if !ok {
			continue
		}
		return entry, nil
	}
}

// Close releases the stream and deletes the scratch file to bound local
// disk use.
func (r *ListReader) Close() error {
	r.gz.Close()
	err := r.file.Close()
	if rmErr := os.Remove(r.path); err == nil {
		err = rmErr
	}
	return err
}
