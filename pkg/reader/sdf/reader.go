// Package sdf provides a streaming reader for SD files of candidate structures
package sdf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const maxLineLength = 1024 * 1024

// Record is one structure of an SD file
type Record struct {
	ID         int // 1-based position in the file
	Name       string
	Molblock   string
	Properties map[string]string
}

// Reader provides streaming access to SD files
type Reader struct {
	scanner   *bufio.Scanner
	nameField string
	lineNum   int
	count     int
	current   *Record
	err       error
}

// NewReader creates a new SD file reader. Record names are taken from the
// data item nameField when present, else from the molblock title line.
func NewReader(r io.Reader, nameField string) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	return &Reader{
		scanner:   scanner,
		nameField: nameField,
	}
}

// Next advances to the next record. Returns false when no more records or error.
func (r *Reader) Next() bool {
	r.current = nil

	rec, err := r.readRecord()
	if err != nil {
		if err != io.EOF {
			r.err = err
		}
		return false
	}

	r.current = rec
	return true
}

// Record returns the current record
func (r *Reader) Record() *Record {
	return r.current
}

// Err returns any error encountered during reading
func (r *Reader) Err() error {
	return r.err
}

// readRecord reads lines up to the next "$$$$" terminator
func (r *Reader) readRecord() (*Record, error) {
	var mol []string
	props := make(map[string]string)
	inMol := true
	startLine := r.lineNum + 1

	var key string
	var value []string
	flush := func() {
		if key != "" {
			props[key] = strings.Join(value, "\n")
		}
		key, value = "", nil
	}

	for r.scanner.Scan() {
		r.lineNum++
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if strings.HasPrefix(line, "$$$$") {
			if len(mol) == 0 {
				startLine = r.lineNum + 1
				continue
			}
			flush()
			return r.finish(mol, props, startLine)
		}

		if inMol {
			mol = append(mol, line)
			if strings.HasPrefix(line, "M  END") {
				inMol = false
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ">"):
			flush()
			k, err := parseDataHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", r.lineNum, err)
			}
			key = k
		case strings.TrimSpace(line) == "":
			flush()
		case key != "":
			value = append(value, line)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Trailing blank lines
	if blank(mol) {
		return nil, io.EOF
	}

	// A final record without terminator
	flush()
	return r.finish(mol, props, startLine)
}

func (r *Reader) finish(mol []string, props map[string]string, startLine int) (*Record, error) {
	if len(mol) < 4 {
		return nil, fmt.Errorf("line %d: record has no molblock", startLine)
	}

	r.count++
	rec := &Record{
		ID:         r.count,
		Name:       strings.TrimSpace(mol[0]),
		Molblock:   strings.Join(mol, "\n") + "\n",
		Properties: props,
	}
	if v, ok := props[r.nameField]; ok && r.nameField != "" {
		rec.Name = strings.TrimSpace(v)
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("molecule_%d", rec.ID)
	}
	return rec, nil
}

// parseDataHeader extracts the field name from a line like "> <NAME>" or
// ">  25  <MELTING.POINT>"
func parseDataHeader(line string) (string, error) {
	start := strings.Index(line, "<")
	end := strings.LastIndex(line, ">")
	if start < 0 || end <= start {
		return "", fmt.Errorf("invalid data header %q", line)
	}
	return line[start+1 : end], nil
}

func blank(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}
