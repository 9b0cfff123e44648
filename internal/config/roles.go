package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadRoles reads the selectable login roles from a CSV file with a "role"
// header column.
func LoadRoles(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roles file: %w", err)
	}
	defer f.Close()
	return ParseRoles(f)
}

// ParseRoles reads roles from r. Blank and duplicate entries are skipped;
// file order is preserved.
func ParseRoles(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("roles file is empty")
		}
		return nil, fmt.Errorf("read roles header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), "role") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("roles file has no %q column", "role")
	}

	var roles []string
	seen := make(map[string]bool)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roles: %w", err)
		}
		if col >= len(record) {
			continue
		}
		role := strings.TrimSpace(record[col])
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	return roles, nil
}
