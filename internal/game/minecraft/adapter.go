package minecraft

import (
	"regexp"
	"strings"

	"github.com/reedfamily/mcctl/internal/game"
)

type Adapter struct{}

var _ game.Adapter = Adapter{}

var (
	joinRe  = regexp.MustCompile(`\[Server thread/INFO\].*: (\w+) joined the game`)
	leaveRe = regexp.MustCompile(`\[Server thread/INFO\].*: (\w+) left the game`)
	chatRe  = regexp.MustCompile(`\[Server thread/INFO\].*: <(\w+)> (.+)`)
	readyRe = regexp.MustCompile(`\[Server thread/INFO\].*: Done \(([0-9.]+s)\)!`)

	// Section-sign codes (§a, §l, §r...) and ANSI SGR sequences some
	// server forks emit on their console.
	formatRe = regexp.MustCompile(`§.?|\x1b\[[0-9;]*m`)
)

func (Adapter) Game() string { return "minecraft" }

func (Adapter) ParseLogLine(line string) *game.LogEvent {
	line = strings.TrimRight(line, "\r\n")
	if m := joinRe.FindStringSubmatch(line); m != nil {
		return &game.LogEvent{Type: game.EventPlayerJoin, Player: m[1]}
	}
	if m := leaveRe.FindStringSubmatch(line); m != nil {
		return &game.LogEvent{Type: game.EventPlayerLeave, Player: m[1]}
	}
	if m := chatRe.FindStringSubmatch(line); m != nil {
		return &game.LogEvent{Type: game.EventChat, Player: m[1], Message: m[2]}
	}
	if m := readyRe.FindStringSubmatch(line); m != nil {
		return &game.LogEvent{Type: game.EventReady, Message: "started in " + m[1]}
	}
	if strings.Contains(line, "/ERROR]") || strings.Contains(line, "/FATAL]") {
		return &game.LogEvent{Type: game.EventError, Message: line}
	}
	return nil
}

func (Adapter) StopCommand() string { return "stop" }

func (Adapter) StripFormatting(s string) string {
	return formatRe.ReplaceAllString(s, "")
}
