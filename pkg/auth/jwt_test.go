package auth

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"deckhand/pkg/api"
	"deckhand/pkg/model"
)

func applyEnv(hash string) api.Envelope {
	return api.Envelope{
		Command: api.CommandApply,
		Node:    "a",
		Apply:   &api.ApplyRequest{Kind: model.KindPod, Name: "web", Namespace: "default", Hash: hash},
	}
}

func TestSignVerify(t *testing.T) {
	s := NewSigner("s3cret", 0)
	env, err := s.Sign(applyEnv("h1"))
	assert.NilError(t, err)
	assert.Check(t, env.Token != "")
	assert.NilError(t, Verify("s3cret", env))
}

func TestVerifyRejects(t *testing.T) {
	s := NewSigner("s3cret", time.Minute)
	signed, err := s.Sign(applyEnv("h1"))
	assert.NilError(t, err)

	assert.Check(t, errors.Is(Verify("other", signed), ErrInvalid))
	assert.Check(t, errors.Is(Verify("s3cret", applyEnv("h1")), ErrInvalid))

	replayed := applyEnv("h2")
	replayed.Token = signed.Token
	assert.ErrorContains(t, Verify("s3cret", replayed), "different command")

	otherNode := signed
	otherNode.Node = "b"
	assert.Check(t, errors.Is(Verify("s3cret", otherNode), ErrInvalid))

	expired := NewSigner("s3cret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Sign(applyEnv("h1"))
	assert.NilError(t, err)
	assert.Check(t, errors.Is(Verify("s3cret", old), ErrInvalid))
}

func TestNilSigner(t *testing.T) {
	s := NewSigner("", 0)
	assert.Check(t, s == nil)
	env, err := s.Sign(applyEnv("h"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(env.Token, ""))
}
