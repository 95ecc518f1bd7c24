package totp

import (
	"testing"
	"time"

	pquernaotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	enrollment, err := Generate("alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.URL)
	require.NotEmpty(t, enrollment.Secret)

	code, err := pquernaotp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	require.True(t, Validate(code, enrollment.URL))
	require.False(t, Validate("000000", enrollment.URL))
}

func TestValidateMalformedURL(t *testing.T) {
	require.False(t, Validate("123456", "not-a-url"))
}
