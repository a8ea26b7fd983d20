package api

import (
	"bytes"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"deckhand/pkg/model"
)

func TestEnvelopeFraming(t *testing.T) {
	env := Envelope{
		Command: CommandApply,
		Node:    "a",
		Apply: &ApplyRequest{
			Kind: model.KindPod, Name: "web", Namespace: "default",
			Manifest: []byte(`{"kind":"Pod"}`), Hash: "abc",
		},
	}
	var first, second bytes.Buffer
	assert.NilError(t, WriteEnvelope(&first, env))
	assert.NilError(t, WriteEnvelope(&second, env))
	assert.Check(t, is.DeepEqual(first.Bytes(), second.Bytes()))

	got, err := ReadEnvelope(&first)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Version, ProtocolVersion))
	assert.Check(t, is.Equal(got.Command, CommandApply))
	assert.Check(t, is.Equal(got.Apply.Key(), model.ResourceKey{Kind: model.KindPod, Name: "web", Namespace: "default"}))
	assert.Check(t, is.Equal(string(got.Apply.Manifest), `{"kind":"Pod"}`))
	assert.Check(t, got.Remove == nil)
}

func TestReplyRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, encMode.NewEncoder(&buf).Encode(Reply{Version: 99, Outcome: model.OutcomeCreated}))
	_, err := ReadReply(&buf)
	assert.Check(t, errors.Is(err, ErrVersion))
}

func TestReadReplyGarbage(t *testing.T) {
	_, err := ReadReply(bytes.NewBufferString("bash: deckhand-agent: command not found\n"))
	assert.ErrorContains(t, err, "decode reply")
}
