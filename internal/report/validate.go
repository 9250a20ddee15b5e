package report

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	kindPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
	filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)

	reservedKinds  = []string{"script", "eval", "exec", "system"}
	executableExts = []string{".exe", ".bat", ".cmd", ".sh", ".ps1", ".js", ".vbs"}
)

// Validate checks an upload and fills in defaults.
func (u *Upload) Validate() error {
	if !kindPattern.MatchString(u.Kind) {
		return errors.New("kind must be 1-50 letters, digits, '_' or '-'")
	}
	for _, k := range reservedKinds {
		if strings.EqualFold(u.Kind, k) {
			return errors.New("kind is not allowed")
		}
	}

	if !filenamePattern.MatchString(u.Filename) || strings.Contains(u.Filename, "..") {
		return errors.New("filename must be 1-255 letters, digits, '.', '_' or '-' and must not contain '..'")
	}
	lower := strings.ToLower(u.Filename)
	for _, ext := range executableExts {
		if strings.HasSuffix(lower, ext) {
			return errors.New("file type is not allowed")
		}
	}

	if u.JobID != "" {
		if _, err := uuid.Parse(u.JobID); err != nil {
			return errors.New("jobId must be a UUID")
		}
	}
	if len(u.Content) > MaxContentSize {
		return errors.New("report content is too large")
	}
	if u.ContentType == "" {
		u.ContentType = "application/octet-stream"
	}
	return nil
}
