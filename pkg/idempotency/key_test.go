package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	k, err := Canonicalize("test-key-12345678")
	require.NoError(t, err)
	assert.Equal(t, "test-key-12345678", k)

	k, err = Canonicalize("  test-key-12345678  ")
	require.NoError(t, err)
	assert.Equal(t, "test-key-12345678", k)

	k, err = Canonicalize("test.key:12345678")
	require.NoError(t, err)
	assert.Equal(t, "test.key:12345678", k)
}

func TestCanonicalize_Invalid(t *testing.T) {
	for _, bad := range []string{
		"short",    // below 16 chars
		"test@key-12345678", // disallowed char
		"",
	} {
		_, err := Canonicalize(bad)
		require.Error(t, err, bad)
		var ie *Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "invalid_idempotency_key_format", ie.Code)
	}
}

func TestDerive(t *testing.T) {
	in := DeriveInput{
		SourceID:    1,
		Name:        "John Smith",
		Email:       "john@example.com",
		Phone:       "+15125550123",
		CountryCode: "US",
		PostalCode:  "12345",
		Message:     "Test message",
	}

	key, err := Derive(in)
	require.NoError(t, err)
	assert.Len(t, key, 64)

	// Deterministic.
	key2, err := Derive(in)
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	// Source identity participates in the hash.
	in.SourceID = 2
	key3, err := Derive(in)
	require.NoError(t, err)
	assert.NotEqual(t, key, key3)
}

func TestDerive_CanonicalizesInputs(t *testing.T) {
	a, err := Derive(DeriveInput{
		SourceID: 1, Name: "Jane", Email: "J@X.COM", Phone: "+1 512 555 0123",
		CountryCode: "us", PostalCode: " 78701 ", Message: " hi ",
	})
	require.NoError(t, err)
	b, err := Derive(DeriveInput{
		SourceID: 1, Name: " Jane ", Email: "j@x.com", Phone: "+15125550123",
		CountryCode: "US", PostalCode: "78701", Message: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDerive_MissingFields(t *testing.T) {
	base := DeriveInput{
		SourceID: 1, Name: "John", Email: "john@example.com",
		Phone: "+15125550123", CountryCode: "US", PostalCode: "12345",
	}

	for _, mutate := range []func(*DeriveInput){
		func(in *DeriveInput) { in.Email = "" },
		func(in *DeriveInput) { in.Phone = "" },
		func(in *DeriveInput) { in.PostalCode = "" },
	} {
		in := base
		mutate(&in)
		_, err := Derive(in)
		require.Error(t, err)
		var ie *Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "idempotency_derivation_failed", ie.Code)
	}
}
