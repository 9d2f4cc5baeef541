package render

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRestrictionsAllow(t *testing.T) {
	t.Parallel()

	r, err := NewRestrictions(`^(10\.|127\.|172\.16\.|internal\.)`)
	require.NoError(t, err)

	tests := []struct {
		name    string
		url     string
		allowed bool
	}{
		{"https ok", "https://en.wikipedia.org/wiki/Go", true},
		{"http ok", "http://en.wikipedia.org/wiki/Go", true},
		{"data ok", "data:text/css;base64,Zm9v", true},
		{"denied host", "https://internal.example.org/secret", false},
		{"denied loopback", "https://127.0.0.1/wiki", false},
		{"denied private", "https://10.1.2.3/wiki", false},
		{"case insensitive deny", "https://INTERNAL.example.org/x", false},
		{"userinfo refused", "https://user:pw@en.wikipedia.org/wiki", false},
		{"scheme refused", "ftp://en.wikipedia.org/wiki", false},
		{"file scheme refused", "file:///etc/passwd", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := r.Allow(tc.url)
			if tc.allowed {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var fh *ForbiddenHostError
			require.True(t, errors.As(err, &fh))
			require.Equal(t, tc.url, fh.URL)
		})
	}
}

func TestRestrictionsEmptyPatternDeniesNothing(t *testing.T) {
	t.Parallel()

	r, err := NewRestrictions("")
	require.NoError(t, err)
	require.NoError(t, r.Allow("https://anything.example.org/page"))
}

func TestRestrictionsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewRestrictions("(unclosed")
	require.Error(t, err)
}
