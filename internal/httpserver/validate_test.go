package httpserver

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type decodeTarget struct {
	MaxTasks        int            `json:"max_tasks" validate:"required,min=1,max=10"`
	LongPollSeconds int            `json:"long_poll_seconds" validate:"required,min=1,max=60"`
	Metadata        map[string]any `json:"metadata"`
}

func decodeBody(t *testing.T, body string, dst any) error {
	t.Helper()
	r := httptest.NewRequest("POST", "/", strings.NewReader(body))
	return Decode(r, dst)
}

func TestDecode_AcceptsSnakeCaseKeys(t *testing.T) {
	var dst decodeTarget
	require.NoError(t, decodeBody(t, `{"max_tasks":5,"long_poll_seconds":10}`, &dst))
	require.Equal(t, 5, dst.MaxTasks)
	require.Equal(t, 10, dst.LongPollSeconds)
}

func TestDecode_AcceptsCamelCaseKeys(t *testing.T) {
	var dst decodeTarget
	require.NoError(t, decodeBody(t, `{"maxTasks":5,"longPollSeconds":10}`, &dst))
	require.Equal(t, 5, dst.MaxTasks)
	require.Equal(t, 10, dst.LongPollSeconds)
}

func TestDecode_PreservesOpaqueMetadataKeys(t *testing.T) {
	var dst decodeTarget
	require.NoError(t, decodeBody(t, `{"max_tasks":1,"long_poll_seconds":1,"metadata":{"agentVersion":"1.2.3"}}`, &dst))
	require.Equal(t, "1.2.3", dst.Metadata["agentVersion"], "metadata keys must pass through verbatim")
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	var dst decodeTarget
	require.Error(t, decodeBody(t, `{"max_tasks":1,"long_poll_seconds":1,"bogus":true}`, &dst))
}

func TestDecode_RejectsConflictingSpellings(t *testing.T) {
	var dst decodeTarget
	err := decodeBody(t, `{"maxTasks":1,"max_tasks":2,"long_poll_seconds":1}`, &dst)
	require.ErrorContains(t, err, "duplicate field")
}

func TestDecode_RejectsEmptyBody(t *testing.T) {
	var dst decodeTarget
	require.Error(t, decodeBody(t, "", &dst))
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"max_tasks", "max_tasks"},
		{"maxTasks", "max_tasks"},
		{"MaxTasks", "max_tasks"},
		{"organisationID", "organisation_id"},
		{"visibilityTimeoutSeconds", "visibility_timeout_seconds"},
		{"tags", "tags"},
	}
	for _, tt := range tests {
		if got := toSnakeCase(tt.in); got != tt.want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
