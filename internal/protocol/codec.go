// Package protocol defines the JSON envelope exchanged with browser clients:
// decoding and validation of inbound messages and construction of outbound
// events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// MaxMessageSize is the largest raw inbound message accepted, in bytes.
const MaxMessageSize = 8192

// Inbound message types.
const (
	TypeInit       = "init"
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeLogin      = "login"
	TypeCommand    = "command"
)

// Outbound event types.
const (
	TypeState          = "state"
	TypeLine           = "line"
	TypeHistory        = "history"
	TypeSystem         = "system"
	TypeError          = "error"
	TypeInitOK         = "init_ok"
	TypeSessionInvalid = "session_invalid"
)

// ErrInvalidMessage is wrapped by every Decode failure.
var ErrInvalidMessage = errors.New("invalid message")

// legacyFields are lifted from the envelope root into the payload when the
// payload is absent. Only string values are lifted.
var legacyFields = []string{"publicId", "owner", "value", "content", "message", "username", "password", "reason"}

// Message is one decoded inbound client message.
type Message interface {
	Type() string
}

// Init opens or reattaches to a session.
type Init struct {
	PublicID string
	Owner    string
}

// Connect asks for the backend to be dialed.
type Connect struct{}

// Disconnect asks for the session to be torn down.
type Disconnect struct {
	Reason string
}

// Login sends credentials to the backend.
type Login struct {
	Username string
	Password string
}

// Command sends one line to the backend.
type Command struct {
	Value string
}

// Type implements Message.
func (Init) Type() string { return TypeInit }

// Type implements Message.
func (Connect) Type() string { return TypeConnect }

// Type implements Message.
func (Disconnect) Type() string { return TypeDisconnect }

// Type implements Message.
func (Login) Type() string { return TypeLogin }

// Type implements Message.
func (Command) Type() string { return TypeCommand }

// envelopeSchema describes a well-formed inbound envelope.
const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":    {"type": "string", "enum": ["init", "connect", "disconnect", "login", "command"]},
    "payload": {"type": ["object", "null"]},
    "meta":    {"type": ["object", "null"]}
  }
}`

var compiledSchema = mustCompileSchema(envelopeSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: compiling envelope schema: %v", err))
	}
	return s
}

// Decode parses and validates one raw client message.
//
// Postcondition: Returns a non-nil Message, or an error wrapping ErrInvalidMessage.
func Decode(raw []byte) (Message, error) {
	if len(raw) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidMessage, len(raw), MaxMessageSize)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidMessage)
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, result.Errors()[0].String())
	}

	root := gjson.ParseBytes(raw)
	fields := payloadFields(root)

	switch root.Get("type").Str {
	case TypeInit:
		return Init{PublicID: fields["publicId"], Owner: fields["owner"]}, nil
	case TypeConnect:
		return Connect{}, nil
	case TypeDisconnect:
		return Disconnect{Reason: fields["reason"]}, nil
	case TypeLogin:
		return Login{Username: fields["username"], Password: fields["password"]}, nil
	default:
		return Command{Value: fields["value"]}, nil
	}
}

// IsObject reports whether raw is a valid JSON object. Anything else, bare
// scalars included, may be a raw command from a legacy client.
func IsObject(raw []byte) bool {
	return gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject()
}

// payloadFields returns the string-valued payload fields, falling back to the
// legacy root-level fields when no payload is present.
func payloadFields(root gjson.Result) map[string]string {
	src := root
	if p := root.Get("payload"); p.IsObject() {
		src = p
	}

	fields := make(map[string]string, len(legacyFields))
	for _, k := range legacyFields {
		if v := src.Get(k); v.Type == gjson.String {
			fields[k] = v.Str
		}
	}
	return fields
}

// Envelope is an outbound server event.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Encode marshals e to JSON.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// State reports the session's connection state.
func State(value string) Envelope {
	return Envelope{Type: TypeState, Payload: map[string]any{"value": value}}
}

// Line carries one line of backend output.
func Line(content string) Envelope {
	return Envelope{Type: TypeLine, Payload: map[string]any{"content": content}}
}

// History carries the retained scrollback.
func History(content string) Envelope {
	return Envelope{Type: TypeHistory, Payload: map[string]any{"content": content}}
}

// System is a gateway notice shown to the player.
func System(message string) Envelope {
	return Envelope{Type: TypeSystem, Payload: map[string]any{"message": message}}
}

// Error reports a rejected client message.
func Error(message string) Envelope {
	return Envelope{Type: TypeError, Payload: map[string]any{"message": message}}
}

// InitOK confirms a successful handshake.
func InitOK(publicID, owner, status string, hasHistory bool) Envelope {
	return Envelope{Type: TypeInitOK, Payload: map[string]any{
		"publicId":   publicID,
		"owner":      owner,
		"status":     status,
		"hasHistory": hasHistory,
	}}
}

// SessionInvalid reports a refused handshake.
func SessionInvalid(reason, message string) Envelope {
	return Envelope{Type: TypeSessionInvalid, Payload: map[string]any{
		"reason":  reason,
		"message": message,
	}}
}
