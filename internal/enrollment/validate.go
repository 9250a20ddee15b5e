package enrollment

import (
	"errors"
	"regexp"
	"strings"
)

var (
	agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*[a-zA-Z0-9]$`)

	reservedNames = map[string]bool{
		"admin":     true,
		"root":      true,
		"system":    true,
		"null":      true,
		"undefined": true,
	}
)

// maxRun is the longest allowed run of one repeated character.
const maxRun = 5

// ValidateAgentName checks an agent name and returns a user-facing error.
func ValidateAgentName(name string) error {
	if len(name) < 3 || len(name) > 64 {
		return errors.New("agent name must be between 3 and 64 characters")
	}
	if !agentNamePattern.MatchString(name) {
		return errors.New("agent name may only contain letters, digits, '-' and '_', and must start and end with a letter or digit")
	}
	if reservedNames[strings.ToLower(name)] {
		return errors.New("agent name is reserved")
	}

	run := 1
	for i := 1; i < len(name); i++ {
		if name[i] == name[i-1] {
			run++
			if run > maxRun {
				return errors.New("agent name repeats a character too many times")
			}
		} else {
			run = 1
		}
	}
	return nil
}
