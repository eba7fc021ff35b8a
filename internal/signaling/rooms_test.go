package signaling

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidRoomID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"global_chat_room", true},
		{"team-42", true},
		{"", false},
		{"has space", false},
		{"room.*", false},
		{"room.>", false},
		{strings.Repeat("r", maxRoomIDLength), true},
		{strings.Repeat("r", maxRoomIDLength+1), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, validRoomID(tt.id), "room %q", tt.id)
	}
}
