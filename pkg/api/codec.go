package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds a single envelope or reply on the wire.
const MaxMessageSize = 16 << 20

// ErrVersion is returned for messages of an unknown protocol version.
var ErrVersion = errors.New("unsupported protocol version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: same message, same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("api: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("api: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteEnvelope encodes env to w, stamping the protocol version.
func WriteEnvelope(w io.Writer, env Envelope) error {
	env.Version = ProtocolVersion
	if err := encMode.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Command, err)
	}
	return nil
}

// ReadEnvelope decodes one envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := decMode.NewDecoder(io.LimitReader(r, MaxMessageSize)).Decode(&env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return env, fmt.Errorf("envelope version %d: %w", env.Version, ErrVersion)
	}
	return env, nil
}

// WriteReply encodes reply to w, stamping the protocol version.
func WriteReply(w io.Writer, reply Reply) error {
	reply.Version = ProtocolVersion
	if err := encMode.NewEncoder(w).Encode(reply); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return nil
}

// ReadReply decodes one reply from r.
func ReadReply(r io.Reader) (Reply, error) {
	var reply Reply
	if err := decMode.NewDecoder(io.LimitReader(r, MaxMessageSize)).Decode(&reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Version != ProtocolVersion {
		return reply, fmt.Errorf("reply version %d: %w", reply.Version, ErrVersion)
	}
	return reply, nil
}
