package token

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(now time.Time) *Issuer {
	i := NewIssuer([]byte("invitation-test-key"), "trialcare")
	i.now = func() time.Time { return now }
	return i
}

func TestCreateAndVerifyInvitationToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := newTestIssuer(now)

	tok, err := i.CreateToken("invitee@example.com", TypeInvitation, 7*24*time.Hour, map[string]interface{}{
		"countryCode":    "GB",
		"createDateTime": now.Format(time.RFC3339),
	})
	require.NoError(t, err)

	claims, err := i.VerifyInvitationToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "invitee@example.com", claims["sub"])
	assert.Equal(t, "GB", claims["countryCode"])
	assert.Equal(t, "trialcare", claims["iss"])
}

func TestCreateToken_UniquePerCall(t *testing.T) {
	i := newTestIssuer(time.Now())
	a, err := i.CreateToken("x@example.com", TypeInvitation, time.Hour, nil)
	require.NoError(t, err)
	b, err := i.CreateToken("x@example.com", TypeInvitation, time.Hour, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCreateToken_ReservedClaim(t *testing.T) {
	_, err := newTestIssuer(time.Now()).CreateToken("", TypeInvitation, time.Hour, map[string]interface{}{"exp": 1})
	assert.Error(t, err)
}

func TestCreateToken_RequiresKey(t *testing.T) {
	_, err := NewIssuer(nil, "").CreateToken("", TypeInvitation, time.Hour, nil)
	assert.Error(t, err)
}

func TestVerifyInvitationToken_Expired(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok, err := newTestIssuer(issuedAt).CreateToken("", TypeInvitation, 24*time.Hour, nil)
	require.NoError(t, err)

	later := newTestIssuer(issuedAt.Add(25 * time.Hour))
	_, err = later.VerifyInvitationToken(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerifyInvitationToken_WrongType(t *testing.T) {
	i := newTestIssuer(time.Now())
	tok, err := i.CreateToken("user-1", TypeAccess, time.Hour, nil)
	require.NoError(t, err)

	_, err = i.VerifyInvitationToken(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerifyInvitationToken_Tampered(t *testing.T) {
	i := newTestIssuer(time.Now())
	tok, err := i.CreateToken("", TypeInvitation, time.Hour, nil)
	require.NoError(t, err)

	other := NewIssuer([]byte("another-key"), "trialcare")
	_, err = other.VerifyInvitationToken(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = i.VerifyInvitationToken("not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
