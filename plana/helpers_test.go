package plana

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkContent(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    string
		limit    int
		expected []string
	}{
		{
			name:     "empty",
			input:    "",
			limit:    10,
			expected: []string{""},
		},
		{
			name:     "under limit",
			input:    "hello",
			limit:    10,
			expected: []string{"hello"},
		},
		{
			name:     "exact multiple",
			input:    "aabbcc",
			limit:    2,
			expected: []string{"aa", "bb", "cc"},
		},
		{
			name:     "remainder",
			input:    "aabbc",
			limit:    2,
			expected: []string{"aa", "bb", "c"},
		},
		{
			name:     "multibyte runes not split",
			input:    "日本語テスト",
			limit:    2,
			expected: []string{"日本", "語テ", "スト"},
		},
		{
			name:     "zero limit",
			input:    "abc",
			limit:    0,
			expected: []string{"abc"},
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, chunkContent(tc.input, tc.limit))
			},
		)
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab", truncateString("abcde", 2))
	assert.Equal(t, "日本", truncateString("日本語", 2))
	assert.Equal(t, "", truncateString("", 5))
}

func TestFormatTrackDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatTrackDuration(0))
	assert.Equal(t, "01:05", formatTrackDuration(65*time.Second))
	assert.Equal(t, "59:59", formatTrackDuration(59*time.Minute+59*time.Second))
	assert.Equal(
		t,
		"01:02:03",
		formatTrackDuration(time.Hour+2*time.Minute+3*time.Second),
	)
	assert.Equal(t, "N/A", formatTrackDuration(-time.Second))
}

func TestHashAndVerifySecret(t *testing.T) {
	secret := "super-secret-token"
	hashed, err := hashSecret(secret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))

	match, err := verifySecret(hashed, secret)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = verifySecret(hashed, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, match)

	_, err = verifySecret("not-a-hash", secret)
	assert.Error(t, err)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	type sample struct {
		Token string `json:"token" log:"[redacted]"`
		Name  string `json:"name"`
	}
	v := structToSlogValue(sample{Token: "secret", Name: "plana"})
	rendered := v.String()
	assert.NotContains(t, rendered, "secret")
	assert.Contains(t, rendered, "[redacted]")
	assert.Contains(t, rendered, "plana")
}
