package chat

import (
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[a-z0-9]+$`)

func TestNewParticipantID_ShortAlphanumeric(t *testing.T) {
	req := require.New(t)
	seen := make(map[string]struct{})

	for i := 0; i < 1000; i++ {
		id := NewParticipantID()
		req.Len(id, ParticipantIDLength)
		req.Regexp(idPattern, id)
		seen[id] = struct{}{}
	}
	req.Len(seen, 1000)
}

func TestNextEventID_StrictlyIncreasingAcrossGoroutines(t *testing.T) {
	req := require.New(t)
	const workers, perWorker = 8, 500

	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- NextEventID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{})
	for id := range ids {
		_, dup := seen[id]
		req.False(dup, "duplicate event id %d", id)
		seen[id] = struct{}{}
	}

	a, b := NextEventID(), NextEventID()
	req.Greater(b, a)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"empty", "", true},
		{"whitespace only", "  \n\t ", true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMembership_SnapshotKeepsJoinOrder(t *testing.T) {
	req := require.New(t)
	m := NewMembership()
	alice := Participant{ID: "a", DisplayName: "alice"}
	bob := Participant{ID: "b", DisplayName: "bob"}
	carol := Participant{ID: "c", DisplayName: "carol"}

	req.True(m.Add(alice, bob))
	req.False(m.Add(alice), "re-adding an identical member is not a change")
	req.True(m.Add(carol))
	req.Equal([]Participant{alice, bob, carol}, m.Snapshot())

	req.True(m.Remove("b"))
	req.False(m.Remove("b"))
	req.Equal([]Participant{alice, carol}, m.Snapshot())
	req.True(m.Contains("c"))
	req.Equal(2, m.Len())

	renamed := Participant{ID: "a", DisplayName: "alice2"}
	req.True(m.Add(renamed))
	req.Equal([]Participant{renamed, carol}, m.Snapshot())

	m.Reset()
	req.Empty(m.Snapshot())
}

func TestMembership_IgnoresEmptyID(t *testing.T) {
	m := NewMembership()
	require.False(t, m.Add(Participant{DisplayName: "ghost"}))
	require.Zero(t, m.Len())
}
