package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{"init", `{"type":"init","payload":{"publicId":"p1","owner":"tok"}}`, Init{PublicID: "p1", Owner: "tok"}},
		{"init without owner", `{"type":"init","payload":{"publicId":"p1"}}`, Init{PublicID: "p1"}},
		{"connect", `{"type":"connect"}`, Connect{}},
		{"connect null payload", `{"type":"connect","payload":null}`, Connect{}},
		{"disconnect", `{"type":"disconnect","payload":{"reason":"bye"}}`, Disconnect{Reason: "bye"}},
		{"login", `{"type":"login","payload":{"username":"u","password":"p"}}`, Login{Username: "u", Password: "p"}},
		{"command", `{"type":"command","payload":{"value":"look"},"meta":{"seq":1}}`, Command{Value: "look"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Type(), got.Type())
		})
	}
}

func TestDecode_LegacyRootFields(t *testing.T) {
	got, err := Decode([]byte(`{"type":"init","publicId":"p9","owner":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, Init{PublicID: "p9", Owner: "abc"}, got)

	got, err = Decode([]byte(`{"type":"command","value":"north"}`))
	require.NoError(t, err)
	assert.Equal(t, Command{Value: "north"}, got)
}

func TestDecode_LegacyLiftsOnlyStrings(t *testing.T) {
	got, err := Decode([]byte(`{"type":"login","username":42,"password":"pw"}`))
	require.NoError(t, err)
	assert.Equal(t, Login{Password: "pw"}, got)
}

func TestDecode_PayloadWinsOverRoot(t *testing.T) {
	got, err := Decode([]byte(`{"type":"command","value":"root","payload":{"value":"inner"}}`))
	require.NoError(t, err)
	assert.Equal(t, Command{Value: "inner"}, got)
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":         `hello`,
		"array":            `["init"]`,
		"string":           `"init"`,
		"missing type":     `{"payload":{}}`,
		"numeric type":     `{"type":5}`,
		"unknown type":     `{"type":"reboot"}`,
		"payload string":   `{"type":"command","payload":"look"}`,
		"payload array":    `{"type":"command","payload":["look"]}`,
		"meta non-object":  `{"type":"connect","meta":7}`,
		"truncated object": `{"type":"connect"`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(raw))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestDecode_Oversized(t *testing.T) {
	raw := `{"type":"command","payload":{"value":"` + strings.Repeat("a", MaxMessageSize) + `"}}`
	_, err := Decode([]byte(raw))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncode_Shapes(t *testing.T) {
	tests := []struct {
		env  Envelope
		want string
	}{
		{State("CONNECTED"), `{"type":"state","payload":{"value":"CONNECTED"}}`},
		{Line("hi\r\n"), `{"type":"line","payload":{"content":"hi\r\n"}}`},
		{History("a\nb\n"), `{"type":"history","payload":{"content":"a\nb\n"}}`},
		{System("bye"), `{"type":"system","payload":{"message":"bye"}}`},
		{Error("nope"), `{"type":"error","payload":{"message":"nope"}}`},
		{InitOK("p1", "tok", "created", false), `{"type":"init_ok","payload":{"hasHistory":false,"owner":"tok","publicId":"p1","status":"created"}}`},
		{SessionInvalid("max_sessions", "full"), `{"type":"session_invalid","payload":{"message":"full","reason":"max_sessions"}}`},
		{Envelope{Type: "custom"}, `{"type":"custom","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.env.Type, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

// Property: any command value survives a client-side encode and Decode.
func TestPropertyDecode_CommandValuePreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.StringN(0, 200, -1).Draw(t, "value")
		raw, err := json.Marshal(map[string]any{"type": "command", "payload": map[string]any{"value": value}})
		require.NoError(t, err)
		msg, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, Command{Value: value}, msg)
	})
}

// Property: Decode never panics and either succeeds or reports ErrInvalidMessage.
func TestPropertyDecode_TotalOnArbitraryInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "raw")
		msg, err := Decode(raw)
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.Nil(t, msg)
		} else {
			assert.NotNil(t, msg)
		}
	})
}

func TestIsObject(t *testing.T) {
	assert.True(t, IsObject([]byte(`{"type":"connect"}`)))
	assert.True(t, IsObject([]byte(` {"type":"bogus"} `)))
	for _, raw := range []string{"look", "1", "42", "true", "null", `"look"`, `[1,2]`, `{"type":`} {
		assert.False(t, IsObject([]byte(raw)), raw)
	}
}
