package harvest

import (
	"fmt"
	"strings"
)

const (
	unknownField   = "unknown"
	filenameFields = 3
	pdfExt         = ".pdf"
)

// Sanitize keeps only ASCII letters, digits, '_', '-' and '.'.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isSafe(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if isSafe(r) && r != '_' && r != '-' && r != '.' {
			return true
		}
	}
	return false
}

// SanitizeFolder turns a user supplied folder name into a single safe path
// segment. ok is false when nothing usable remains.
func SanitizeFolder(name string) (folder string, ok bool) {
	folder = Sanitize(strings.TrimSpace(name))
	switch folder {
	case "", ".", "..":
		return "", false
	}
	return folder, true
}

// Filename derives a PDF filename from the first three cells of a row.
// Missing cells become "unknown".
func Filename(cells []string) string {
	parts := make([]string, filenameFields)
	for i := range parts {
		if i < len(cells) {
			parts[i] = strings.TrimSpace(cells[i])
		} else {
			parts[i] = unknownField
		}
	}
	return Sanitize(strings.Join(parts, "_") + pdfExt)
}

// FallbackFilename is the positional name used when a row's cells cannot be
// turned into a filename. table and row are zero-based.
func FallbackFilename(table, row int) string {
	return fmt.Sprintf("table%d_row%d%s", table+1, row+1, pdfExt)
}

// ExtractFilename never fails to produce a name. When derivation panics or
// yields a name without any letter or digit, it returns the positional
// fallback together with the reason.
func ExtractFilename(cells []string, table, row int) (name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			name = FallbackFilename(table, row)
			err = fmt.Errorf("panic while deriving filename: %v", r)
		}
	}()

	name = Filename(cells)
	if !hasAlnum(strings.TrimSuffix(name, pdfExt)) {
		return FallbackFilename(table, row), fmt.Errorf("row cells %q yield no usable filename", cells)
	}
	return name, nil
}
