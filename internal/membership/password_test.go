package membership

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, salt, err := hashPassword("s3cret-value")
	require.NoError(t, err)

	ok, err := verifyPassword("s3cret-value", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("other", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("s3cret-value", "%%%", hash)
	assert.Error(t, err)
}

func TestGenerateSecret(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := generateSecret(12)
		require.NoError(t, err)
		require.Len(t, s, 12)
		for _, c := range s {
			assert.True(t, strings.ContainsRune(secretAlphabet, c), "unexpected %q", c)
		}
		seen[s] = true
	}
	assert.Len(t, seen, 50)

	_, err := generateSecret(0)
	assert.Error(t, err)
}

func TestTimeNumbers(t *testing.T) {
	gen := TimeNumbers("COOP")
	now := time.Date(2024, time.March, 20, 10, 0, 0, 123456000, time.UTC)
	assert.Equal(t, "COOP2024-123456", gen(now))
	assert.NotEqual(t, gen(now), gen(now.Add(time.Microsecond)))
}
