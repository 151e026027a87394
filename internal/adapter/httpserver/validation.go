package httpserver

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// fieldErrors flattens validator violations into a field → tag map for
// the error envelope details.
func fieldErrors(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// parseJobID parses a path id; job ids are positive 64-bit integers.
func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("op=httpserver.parseJobID: id must be a positive integer: %w", domain.ErrInvalidArgument)
	}
	return id, nil
}

// sanitizeText strips null bytes, trims whitespace, caps the length, and
// enforces valid UTF-8 on free-text input such as cancel reasons.
func sanitizeText(input string, maxLen int) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > maxLen {
		input = input[:maxLen]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
