package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_ProdIsJSONAtInfo(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "prod", "")

	log.Debug("hidden")
	log.Info("joined", "room", "global_chat_room")

	var rec map[string]interface{}
	req.NoError(json.Unmarshal(buf.Bytes(), &rec))
	req.Equal("joined", rec["msg"])
	req.Equal("global_chat_room", rec["room"])
}

func TestNewWithWriter_ExplicitLevelWins(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "dev", "error")

	log.Warn("dropped")
	require.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{" INFO ", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"Error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}
