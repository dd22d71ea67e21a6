package fs

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// MaxNameLength is the maximum length of a node name in characters.
const MaxNameLength = 255

// illegalNameChars are rejected anywhere in a node name.
const illegalNameChars = "\\<>:\"/*?|\n"

// CheckName validates and normalizes a proposed node name. The returned name
// is Unicode NFC-normalized; sibling uniqueness is compared case-insensitively
// on this form.
func CheckName(name string) (string, error) {
	if name == "" {
		return "", fserrors.NewInvalidArgumentError("name must not be empty")
	}
	if strings.ContainsAny(name, illegalNameChars) {
		return "", fserrors.NewInvalidArgumentError("name contains illegal characters")
	}

	name = norm.NFC.String(name)

	if len([]rune(name)) > MaxNameLength {
		return "", fserrors.NewNameTooLongError(name)
	}

	return name, nil
}

// NamesEqual compares two normalized names under the case-insensitive
// sibling-uniqueness collation.
func NamesEqual(a, b string) bool {
	return strings.EqualFold(norm.NFC.String(a), norm.NFC.String(b))
}

// SplitExtension splits a file name into stem and extension (including the
// dot). Used by conflict-rename so "x.txt" becomes "x (1).txt" rather than
// "x.txt (1)".
func SplitExtension(name string) (stem, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}
