package game

// Adapter provides game-specific behavior for the supervised server.
type Adapter interface {
	// Game returns the game identifier (e.g., "minecraft")
	Game() string

	// ParseLogLine extracts structured events from console output lines
	ParseLogLine(line string) *LogEvent

	// StopCommand returns the in-protocol graceful stop command
	StopCommand() string

	// StripFormatting removes presentation codes from console or RCON text
	StripFormatting(s string) string
}

// Event types produced by ParseLogLine.
const (
	EventPlayerJoin  = "player_join"
	EventPlayerLeave = "player_leave"
	EventChat        = "chat"
	EventReady       = "ready"
	EventError       = "error"
)

type LogEvent struct {
	Type    string
	Player  string
	Message string
}
