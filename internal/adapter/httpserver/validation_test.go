package httpserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

func Test_parseJobID(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"7", 7, false},
		{" 42 ", 42, false},
		{"9223372036854775807", 9223372036854775807, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"7.5", 0, true},
	}
	for _, tc := range cases {
		id, err := parseJobID(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, id)
	}
}

func Test_sanitizeText(t *testing.T) {
	require.Equal(t, "hello", sanitizeText("  hello  ", 64))
	require.Equal(t, "hithere", sanitizeText("hi\x00there", 64))
	require.Equal(t, "", sanitizeText("\x00\x00", 64))
	require.Equal(t, strings.Repeat("a", 16), sanitizeText(strings.Repeat("a", 100), 16))
	require.Equal(t, "job", sanitizeText("\xff\xfejob", 64))
}

func Test_fieldErrors(t *testing.T) {
	type form struct {
		Kind           string `validate:"required"`
		IdempotencyKey string `validate:"required,max=8"`
	}

	err := getValidator().Struct(form{IdempotencyKey: "way-too-long-key"})
	require.Error(t, err)

	fe := fieldErrors(err)
	require.Equal(t, "required", fe["kind"])
	require.Equal(t, "max", fe["idempotencykey"])
}

func Test_fieldErrors_NonValidatorError(t *testing.T) {
	fe := fieldErrors(domain.ErrInvalidArgument)
	require.Empty(t, fe)
}
