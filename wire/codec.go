package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"pbftnode/perr"
)

// Variant tags the payload carried by a frame.
type Variant string

const (
	VariantClientRequest Variant = "client_request"
	VariantClientReply   Variant = "client_reply"
	VariantPrePrepare    Variant = "pre_prepare"
	VariantPrepare       Variant = "prepare"
	VariantCommit        Variant = "commit"
)

// envelope is the canonical on-wire wrapper. The digest is computed over
// the untagged operation bytes inside Request, never over this wrapper, so
// envelope itself carries no digest field of its own.
type envelope struct {
	Variant Variant         `json:"variant"`
	Payload json.RawMessage `json:"payload"`
}

// Channel restricts which variants are legal on a given wire, so that a
// PrePrepare can never show up on the client-facing channel and a bare
// ClientRequest never shows up replica-to-replica.
type Channel int

const (
	PeerChannel Channel = iota
	ClientChannel
)

func allowedOn(channel Channel, v Variant) bool {
	switch channel {
	case PeerChannel:
		return v == VariantPrePrepare || v == VariantPrepare || v == VariantCommit
	case ClientChannel:
		return v == VariantClientRequest || v == VariantClientReply
	default:
		return false
	}
}

// Encode serializes msg into its canonical envelope form, without the
// length prefix (use WriteFrame to also frame it for the wire).
func Encode(msg interface{}) ([]byte, error) {
	var env envelope
	var err error

	switch m := msg.(type) {
	case ClientRequest:
		env.Variant = VariantClientRequest
		env.Payload, err = json.Marshal(m)
	case ClientReply:
		env.Variant = VariantClientReply
		env.Payload, err = json.Marshal(m)
	case PrePrepare:
		env.Variant = VariantPrePrepare
		env.Payload, err = json.Marshal(m)
	case Prepare:
		env.Variant = VariantPrepare
		env.Payload, err = json.Marshal(m)
	case Commit:
		env.Variant = VariantCommit
		env.Payload, err = json.Marshal(m)
	default:
		return nil, perr.Newf(perr.Internal, "UnknownMessageType", "%T", msg)
	}
	if err != nil {
		return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
	}
	return out, nil
}

// Decode parses a single canonical-encoded payload (without frame length)
// on the given channel, rejecting any variant not legal there.
func Decode(channel Channel, raw []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
	}

	if !allowedOn(channel, env.Variant) {
		return nil, perr.Newf(perr.Transport, "UnexpectedVariant", "variant %q not allowed on this channel", env.Variant)
	}

	switch env.Variant {
	case VariantClientRequest:
		var m ClientRequest
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
		}
		return m, nil
	case VariantClientReply:
		var m ClientReply
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
		}
		return m, nil
	case VariantPrePrepare:
		var m PrePrepare
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
		}
		return m, nil
	case VariantPrepare:
		var m Prepare
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
		}
		return m, nil
	case VariantCommit:
		var m Commit
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, perr.New(perr.Transport, "MalformedPayload", err.Error())
		}
		return m, nil
	default:
		return nil, perr.Newf(perr.Transport, "UnexpectedVariant", "unknown variant %q", env.Variant)
	}
}

// WriteFrame writes msg as an unsigned-varint length prefix followed by its
// canonical payload. It does not flush w; callers own flush timing so the
// substream engine can model a distinct "pending flush" state.
func WriteFrame(w *bufio.Writer, msg interface{}) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it for channel.
// It returns io.EOF and read-deadline timeouts unmodified so callers can
// distinguish a clean close or a not-yet-ready read from a malformed frame.
func ReadFrame(r *bufio.Reader, channel Channel) (interface{}, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
			return nil, err
		}
		return nil, perr.New(perr.Transport, "MalformedFrame", err.Error())
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, perr.New(perr.Transport, "MalformedFrame", "short frame")
		}
		return nil, err
	}

	return Decode(channel, buf)
}

// WriteRawFrame writes an uninterpreted byte payload with the same
// length-prefix framing as WriteFrame. This is used for the substream
// engine's Respond*/ResponseReceived payloads, which are opaque
// accept/reject tokens ("OK" or an error name) rather than tagged wire
// messages.
func WriteRawFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadRawFrame reads one length-prefixed frame without attempting to decode
// it as a tagged message. io.EOF and read-deadline timeouts are returned
// unmodified, as in ReadFrame.
func ReadRawFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
			return nil, err
		}
		return nil, perr.New(perr.Transport, "MalformedFrame", err.Error())
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, perr.New(perr.Transport, "MalformedFrame", "short frame")
		}
		return nil, err
	}
	return buf, nil
}
