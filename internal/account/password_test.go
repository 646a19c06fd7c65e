package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, salt, err := hashPassword("correct horse")
	require.NoError(t, err)

	ok, err := verifyPassword("correct horse", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("battery staple", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	otherHash, otherSalt, err := hashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, salt, otherSalt)
	assert.NotEqual(t, hash, otherHash)

	_, err = verifyPassword("correct horse", "%%%", hash)
	assert.Error(t, err)
}

func TestRegistrationValidation(t *testing.T) {
	cases := []struct {
		name string
		in   Registration
		ok   bool
	}{
		{"valid", Registration{Name: "Ada", Email: " Ada@Example.test ", Password: "longenough"}, true},
		{"missing name", Registration{Email: "ada@example.test", Password: "longenough"}, false},
		{"bad email", Registration{Name: "Ada", Email: "not-an-email", Password: "longenough"}, false},
		{"short password", Registration{Name: "Ada", Email: "ada@example.test", Password: "short"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.in
			in.normalize()
			err := in.validate()
			if tc.ok {
				assert.NoError(t, err)
				assert.Equal(t, "ada@example.test", in.Email)
				return
			}
			assert.Error(t, err)
		})
	}
}
