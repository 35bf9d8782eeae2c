package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/refashion-gw/internal/jwks"
)

type staticKeys struct {
	set   jwks.KeySet
	err   error
	calls int
}

func (s *staticKeys) Get(context.Context) (jwks.KeySet, error) {
	s.calls++
	return s.set, s.err
}

var fixedNow = time.Unix(1_760_000_000, 0)

type fixture struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	keys *staticKeys
	v    *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys := &staticKeys{set: jwks.KeySet{Keys: []ed25519.PublicKey{pub}}}
	return &fixture{
		pub:  pub,
		priv: priv,
		keys: keys,
		v:    NewVerifier(keys, WithClock(func() time.Time { return fixedNow })),
	}
}

func (f *fixture) sign(requestID, userID string, ts int64, body []byte) Envelope {
	tsS := strconv.FormatInt(ts, 10)
	sig := ed25519.Sign(f.priv, CanonicalMessage(requestID, userID, tsS, body))
	return Envelope{
		RequestID: requestID,
		UserID:    userID,
		Timestamp: tsS,
		Signature: hex.EncodeToString(sig),
		Body:      body,
	}
}

func TestVerifyValidSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	env := f.sign("req-1", "user-1", fixedNow.Unix(), []byte(`{"status":"OK"}`))
	ok, err := f.v.Verify(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	env := f.sign("req-1", "user-1", fixedNow.Unix(), []byte(`{"status":"OK"}`))
	env.Body = []byte(`{"status":"OL"}`)
	ok, err := f.v.Verify(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMutatedHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	base := f.sign("req-1", "user-1", fixedNow.Unix(), []byte("body"))

	for name, mutate := range map[string]func(*Envelope){
		"request id": func(e *Envelope) { e.RequestID = "req-2" },
		"user id":    func(e *Envelope) { e.UserID = "user-2" },
		"timestamp":  func(e *Envelope) { e.Timestamp = strconv.FormatInt(fixedNow.Unix()+1, 10) },
	} {
		env := base
		mutate(&env)
		ok, err := f.v.Verify(context.Background(), env)
		require.NoError(t, err, name)
		assert.False(t, ok, name)
	}
}

func TestVerifyTimestampWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		offset int64
		want   bool
	}{
		{offset: -299, want: true},
		{offset: 299, want: true},
		{offset: -300, want: true},
		{offset: 300, want: true},
		{offset: -301, want: false},
		{offset: 301, want: false},
	}
	for _, tt := range tests {
		env := f.sign("req-1", "user-1", fixedNow.Unix()+tt.offset, []byte("body"))
		ok, err := f.v.Verify(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "offset %d", tt.offset)
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	valid := f.sign("req-1", "user-1", fixedNow.Unix(), []byte("body"))

	cases := map[string]func(*Envelope){
		"empty request id":  func(e *Envelope) { e.RequestID = "" },
		"empty user id":     func(e *Envelope) { e.UserID = "" },
		"empty timestamp":   func(e *Envelope) { e.Timestamp = "" },
		"empty signature":   func(e *Envelope) { e.Signature = "" },
		"non-numeric ts":    func(e *Envelope) { e.Timestamp = "yesterday" },
		"non-hex signature": func(e *Envelope) { e.Signature = "zz" + e.Signature[2:] },
		"short signature":   func(e *Envelope) { e.Signature = e.Signature[:10] },
	}
	for name, mutate := range cases {
		env := valid
		mutate(&env)
		ok, err := f.v.Verify(context.Background(), env)
		assert.NoError(t, err, name)
		assert.False(t, ok, name)
	}
	assert.Equal(t, 0, f.keys.calls, "malformed input must not load keys")
}

func TestVerifyTriesEveryKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.keys.set.Keys = []ed25519.PublicKey{other, f.pub}

	ok, err := f.v.Verify(context.Background(), f.sign("req-1", "user-1", fixedNow.Unix(), []byte("body")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyEmptyKeySet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.keys.set.Keys = nil

	ok, err := f.v.Verify(context.Background(), f.sign("req-1", "user-1", fixedNow.Unix(), []byte("body")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPropagatesKeyFetchError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	boom := errors.New("jwks unreachable")
	f.keys.err = boom

	ok, err := f.v.Verify(context.Background(), f.sign("req-1", "user-1", fixedNow.Unix(), []byte("body")))
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestEnvelopeFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/webhooks/fal", nil)
	r.Header.Set("x-fal-webhook-request-id", "req-1")
	r.Header.Set("x-fal-webhook-user-id", "user-1")
	r.Header.Set("x-fal-webhook-timestamp", "123")
	r.Header.Set("x-fal-webhook-signature", "abcd")

	env := EnvelopeFromRequest(r, []byte("b"))
	assert.Equal(t, Envelope{RequestID: "req-1", UserID: "user-1", Timestamp: "123", Signature: "abcd", Body: []byte("b")}, env)
}

func TestCanonicalMessage(t *testing.T) {
	t.Parallel()

	// sha256("") is a fixed, well-known digest.
	got := string(CanonicalMessage("r", "u", "1", nil))
	assert.Equal(t, "r\nu\n1\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}
