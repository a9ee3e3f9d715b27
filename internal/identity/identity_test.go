package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret)
	want := Identity{UserID: "u-1", Email: "ana@uni.edu", Name: "Ana"}

	token, err := v.Sign(want, time.Minute)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret)

	t.Run("empty token", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify("")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := NewVerifier("ffffffffffffffffffffffffffffffff")
		token, err := other.Sign(Identity{UserID: "u-1"}, time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()
		token, err := v.Sign(Identity{UserID: "u-1"}, -time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		t.Parallel()
		token, err := v.Sign(Identity{Email: "no-subject@uni.edu"}, time.Minute)
		require.NoError(t, err)

		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestEmailDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		email string
		want  string
	}{
		{"ana@uni.edu", "uni.edu"},
		{"ana@UNI.EDU", "uni.edu"},
		{"a@b@uni.edu", "uni.edu"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := Identity{Email: tt.email}.EmailDomain()
		assert.Equal(t, tt.want, got, "email %q", tt.email)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	id := Identity{UserID: "u-9"}
	ctx := NewContext(context.Background(), id)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestVerifyErrorsAreSentinels(t *testing.T) {
	t.Parallel()

	v := NewVerifier(testSecret)
	_, err := v.Verify("x")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
