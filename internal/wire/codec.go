package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"

	"github.com/google/uuid"
)

// DefaultSignatureScheme is used when a connection descriptor does not name one.
const DefaultSignatureScheme = "hmac-sha256"

// Codec builds, signs, encodes and decodes envelopes for one kernel session.
// It performs no I/O and is safe for concurrent use.
type Codec struct {
	session  string
	username string
	key      []byte
	newHash  func() hash.Hash
	now      func() time.Time
}

// NewCodec returns a Codec signing with key under the given scheme.
// An empty key disables signing. An empty session gets a fresh UUID.
func NewCodec(key []byte, scheme, session, username string) (*Codec, error) {
	if scheme == "" {
		scheme = DefaultSignatureScheme
	}
	var h func() hash.Hash
	switch scheme {
	case "hmac-sha256":
		h = sha256.New
	case "hmac-sha512":
		h = sha512.New
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	if session == "" {
		session = uuid.NewString()
	}
	if username == "" {
		username = "kbridge"
	}
	return &Codec{session: session, username: username, key: key, newHash: h, now: time.Now}, nil
}

// Session returns the session identifier stamped on outgoing headers.
func (c *Codec) Session() string { return c.session }

// BuildRequest returns an envelope of the given kind carrying content.
// A fresh identifier is generated when msgID is empty.
func (c *Codec) BuildRequest(kind string, content any, msgID string) (Envelope, error) {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s content: %w", kind, err)
	}
	return Envelope{
		Header: Header{
			MsgID:    msgID,
			MsgType:  kind,
			Session:  c.session,
			Username: c.username,
			Date:     c.now().UTC().Format("2006-01-02T15:04:05.000000Z"),
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
	}, nil
}

// BuildExecuteRequest returns an execute_request for code.
func (c *Codec) BuildExecuteRequest(code, msgID string) (Envelope, error) {
	return c.BuildRequest(MsgExecuteRequest, ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	}, msgID)
}

// Encode serializes env into its multipart frame form.
func (c *Codec) Encode(env Envelope) ([][]byte, error) {
	header, err := json.Marshal(env.Header)
	if err != nil {
		return nil, err
	}
	parent := []byte("{}")
	if env.Parent != nil {
		if parent, err = json.Marshal(env.Parent); err != nil {
			return nil, err
		}
	}
	meta := []byte("{}")
	if env.Metadata != nil {
		if meta, err = json.Marshal(env.Metadata); err != nil {
			return nil, err
		}
	}
	content := []byte(env.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	frames := make([][]byte, 0, len(env.Identities)+6+len(env.Buffers))
	frames = append(frames, env.Identities...)
	frames = append(frames, []byte(Delimiter), c.sign(header, parent, meta, content), header, parent, meta, content)
	frames = append(frames, env.Buffers...)
	return frames, nil
}

// Decode reconstructs an envelope from its frames and verifies its signature.
func (c *Codec) Decode(frames [][]byte) (Envelope, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, []byte(Delimiter)) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return Envelope{}, fmt.Errorf("%w: missing delimiter", ErrMalformedEnvelope)
	}
	parts := frames[delim+1:]
	if len(parts) < 5 {
		return Envelope{}, fmt.Errorf("%w: expected 5 parts after delimiter, got %d", ErrMalformedEnvelope, len(parts))
	}
	sig, header, parent, meta, content := parts[0], parts[1], parts[2], parts[3], parts[4]
	if len(c.key) > 0 {
		want := c.sign(header, parent, meta, content)
		if !hmac.Equal(want, sig) {
			return Envelope{}, fmt.Errorf("%w: signature mismatch", ErrMalformedEnvelope)
		}
	}

	var env Envelope
	if delim > 0 {
		env.Identities = frames[:delim]
	}
	if err := json.Unmarshal(header, &env.Header); err != nil {
		return Envelope{}, fmt.Errorf("%w: header: %v", ErrMalformedEnvelope, err)
	}
	if env.Header.MsgID == "" || env.Header.MsgType == "" {
		return Envelope{}, fmt.Errorf("%w: header missing msg_id or msg_type", ErrMalformedEnvelope)
	}
	var p Header
	if err := json.Unmarshal(parent, &p); err != nil {
		return Envelope{}, fmt.Errorf("%w: parent header: %v", ErrMalformedEnvelope, err)
	}
	if p.MsgID != "" {
		env.Parent = &p
	}
	if err := json.Unmarshal(meta, &env.Metadata); err != nil {
		return Envelope{}, fmt.Errorf("%w: metadata: %v", ErrMalformedEnvelope, err)
	}
	if env.Metadata == nil {
		env.Metadata = map[string]any{}
	}
	if _, err := DecodeContent(env.Header.MsgType, content); err != nil {
		return Envelope{}, err
	}
	env.Content = json.RawMessage(content)
	if extra := parts[5:]; len(extra) > 0 {
		env.Buffers = extra
	}
	return env, nil
}

func (c *Codec) sign(parts ...[]byte) []byte {
	if len(c.key) == 0 {
		return []byte{}
	}
	mac := hmac.New(c.newHash, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}
