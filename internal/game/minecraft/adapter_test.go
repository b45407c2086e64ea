package minecraft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reedfamily/mcctl/internal/game"
)

func TestParseLogLine(t *testing.T) {
	a := Adapter{}
	tests := []struct {
		name string
		line string
		want *game.LogEvent
	}{
		{
			name: "join",
			line: "[12:01:02] [Server thread/INFO]: Steve joined the game",
			want: &game.LogEvent{Type: game.EventPlayerJoin, Player: "Steve"},
		},
		{
			name: "leave",
			line: "[12:01:09] [Server thread/INFO]: Alex left the game\n",
			want: &game.LogEvent{Type: game.EventPlayerLeave, Player: "Alex"},
		},
		{
			name: "chat",
			line: "[12:02:00] [Server thread/INFO]: <Steve> hello there",
			want: &game.LogEvent{Type: game.EventChat, Player: "Steve", Message: "hello there"},
		},
		{
			name: "ready",
			line: `[12:00:30] [Server thread/INFO]: Done (4.213s)! For help, type "help"`,
			want: &game.LogEvent{Type: game.EventReady, Message: "started in 4.213s"},
		},
		{
			name: "error",
			line: "[12:00:31] [Server thread/ERROR]: Encountered an unexpected exception",
			want: &game.LogEvent{Type: game.EventError, Message: "[12:00:31] [Server thread/ERROR]: Encountered an unexpected exception"},
		},
		{
			name: "noise",
			line: "[12:00:01] [Worker-Main-1/INFO]: Preparing spawn area: 83%",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, a.ParseLogLine(tt.line))
		})
	}
}

func TestStripFormatting(t *testing.T) {
	a := Adapter{}
	tests := map[string]string{
		"§6There are §c0§6 of a max of §c20§6 players online:§r": "There are 0 of a max of 20 players online:",
		"plain text":                   "plain text",
		"\x1b[0;32;1mGreen\x1b[m text": "Green text",
		"trailing §":                   "trailing ",
		"§x§f§f§0§0§0§0hex colour":     "hex colour",
		"":                             "",
	}
	for in, want := range tests {
		got := a.StripFormatting(in)
		require.Equal(t, want, got)
		require.NotContains(t, got, "§")
	}
	require.Equal(t, "stop", a.StopCommand())
	require.Equal(t, "minecraft", a.Game())
}
