package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://toolpay.example.com"
	testAudience = "https://toolpay.example.com/mcp"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, testIssuer, testAudience)
	require.NoError(t, err)

	return c
}

func TestNewCodec_ShortKey(t *testing.T) {
	_, err := NewCodec([]byte("short"), testIssuer, testAudience)
	assert.Error(t, err)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	c := testCodec(t)

	tok, err := c.Sign("alice", []string{"tools", "payments"}, "client-1", testAudience, time.Hour)
	require.NoError(t, err)

	claims, err := c.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, []string{"tools", "payments"}, claims.Scopes())
	assert.Equal(t, TypeAccess, claims.Type)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestVerify_Expired(t *testing.T) {
	c := testCodec(t)
	c.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tok, err := c.Sign("alice", []string{"tools"}, "client-1", testAudience, time.Hour)
	require.NoError(t, err)

	c.now = time.Now
	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_WrongAudienceRejectedEvenIfValid(t *testing.T) {
	c := testCodec(t)

	tok, err := c.Sign("alice", []string{"tools"}, "client-1", "https://other.example.com/mcp", time.Hour)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrBadAudience)
}

func TestVerify_BadSignature(t *testing.T) {
	c := testCodec(t)
	other, err := NewCodec([]byte("ffffffffffffffffffffffffffffffff"), testIssuer, testAudience)
	require.NoError(t, err)

	tok, err := other.Sign("alice", []string{"tools"}, "client-1", testAudience, time.Hour)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_TamperedPayload(t *testing.T) {
	c := testCodec(t)
	tok, err := c.Sign("alice", []string{"tools"}, "client-1", testAudience, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	forged, err := c.Sign("mallory", []string{"tools"}, "client-1", testAudience, time.Hour)
	require.NoError(t, err)

	// Splice mallory's payload onto alice's signature.
	parts[1] = strings.Split(forged, ".")[1]
	_, err = c.Verify(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_WrongType(t *testing.T) {
	c := testCodec(t)
	claims := Claims{
		ClientID: "client-1",
		Type:     "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestVerify_MultipleAudiencesRejected(t *testing.T) {
	c := testCodec(t)
	claims := Claims{
		ClientID: "client-1",
		Type:     TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience, "https://other.example.com/mcp"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrBadAudience)
}

func TestVerify_NoneAlgorithmRejected(t *testing.T) {
	c := testCodec(t)
	claims := Claims{
		Type: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = c.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_Garbage(t *testing.T) {
	c := testCodec(t)
	_, err := c.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrMalformed)
}
