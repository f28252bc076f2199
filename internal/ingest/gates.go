package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// applyGates runs the upload policy checks in order and returns the
// violations found. Empty files are fatal regardless of strict mode.
func (s *Service) applyGates(filename, mime string, size int64) []string {
	var violations []string

	maxName := s.cfg.MaxFilenameLen
	if maxName <= 0 {
		maxName = 200
	}
	if len(filename) > maxName {
		violations = append(violations, fmt.Sprintf("filename_too_long:%d", len(filename)))
	}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, bad := range s.cfg.DisallowedExts {
		if ext == strings.ToLower(bad) {
			violations = append(violations, "disallowed_extension:"+ext)
			break
		}
	}

	if size == 0 {
		violations = append(violations, "empty_file")
	} else if s.cfg.MaxFileMB > 0 && size > int64(s.cfg.MaxFileMB)*1024*1024 {
		violations = append(violations, fmt.Sprintf("file_too_large:%d", size))
	}

	if len(s.cfg.AllowedMIMEPrefixes) > 0 && !mimeAllowed(mime, s.cfg.AllowedMIMEPrefixes) {
		violations = append(violations, "mime_not_allowed:"+mime)
	}

	return violations
}

func mimeAllowed(mime string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}

// hasFatal reports whether any violation rejects the upload even in warn mode.
func hasFatal(violations []string) bool {
	for _, v := range violations {
		if v == "empty_file" {
			return true
		}
	}
	return false
}
