package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/mudbridge/internal/config"
)

func TestNewLogger_Levels(t *testing.T) {
	cases := []struct {
		cfg      config.LoggingConfig
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{config.LoggingConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{config.LoggingConfig{Level: "info", Format: "json"}, zapcore.InfoLevel, zapcore.DebugLevel},
		{config.LoggingConfig{Level: "error", Format: "json"}, zapcore.ErrorLevel, zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.cfg.Level+"/"+tc.cfg.Format, func(t *testing.T) {
			logger, err := NewLogger(tc.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.enabled))
			assert.False(t, logger.Core().Enabled(tc.disabled))
		})
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"})
	assert.ErrorContains(t, err, "log level")

	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "log format")
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "", TokenPrefix(""))
	assert.Equal(t, "abc", TokenPrefix("abc"))
	assert.Equal(t, "abcdefgh", TokenPrefix("abcdefghijklmnop"))
}

func TestPropertyTokenPrefixIsPrefix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		token := rapid.StringMatching(`[A-Za-z0-9_-]{0,64}`).Draw(t, "token")
		p := TokenPrefix(token)
		if len(p) > tokenPrefixLen || token[:len(p)] != p {
			t.Fatalf("TokenPrefix(%q) = %q", token, p)
		}
		if len(token) >= tokenPrefixLen && len(p) != tokenPrefixLen {
			t.Fatalf("TokenPrefix(%q) truncated to %d", token, len(p))
		}
	})
}
