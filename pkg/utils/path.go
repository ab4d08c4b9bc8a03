package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinBase verifies that path, once joined under base, does
// not escape base via "..". Used by the MDAL to keep opens inside a
// namespace's secure root.
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		if cleanPath != cleanBase && !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) {
			return fmt.Errorf("path %s is outside base directory %s", path, base)
		}
		return nil
	}

	full := filepath.Join(cleanBase, cleanPath)
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes base directory %s", path, base)
	}
	return nil
}

// SecureJoin joins elements under base and rejects the result if it would
// escape base.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}
	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return full, nil
}

// ReservedPrefix is the MDAL-internal directory-name prefix that user
// paths may never contain (MDAL_reference, MDAL_subspaces, ...).
const ReservedPrefix = "MDAL_"

// HasReservedComponent reports whether any path component begins with the
// reserved MDAL_ prefix, used to keep user-facing names from colliding
// with internal namespace structure.
func HasReservedComponent(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, ReservedPrefix) {
			return true
		}
	}
	return false
}

// EncodeNamespaceName replaces '/' with '-' so a namespace name can be
// embedded as an object-ID bucket-path component (S3 buckets disallow '/').
func EncodeNamespaceName(name string) string {
	return strings.ReplaceAll(name, "/", "-")
}

// DecodeNamespaceName reverses EncodeNamespaceName.
func DecodeNamespaceName(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}
