package chat

import "strings"

// UsageText is sent back when a client's input matches no command.
const UsageText = "Invalid command. Use: JOIN <room>, LEAVE <room>, MSG <room> <text>, NAME <name>"

type CommandKind int

const (
	CmdInvalid CommandKind = iota
	CmdJoin
	CmdLeave
	CmdMsg
	CmdName
	CmdShutdown
)

// Command is one parsed client request. Room, Text and Name are filled
// depending on Kind.
type Command struct {
	Kind CommandKind
	Room string
	Text string
	Name string
}

// ParseCommand interprets one line of client input. The command word is
// case-insensitive; MSG keeps the remainder of the line verbatim, spaces
// included.
func ParseCommand(line string) Command {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)

	switch strings.ToUpper(parts[0]) {
	case "JOIN":
		if len(parts) >= 2 && parts[1] != "" {
			return Command{Kind: CmdJoin, Room: parts[1]}
		}
	case "LEAVE":
		if len(parts) >= 2 && parts[1] != "" {
			return Command{Kind: CmdLeave, Room: parts[1]}
		}
	case "MSG":
		if len(parts) >= 3 {
			return Command{Kind: CmdMsg, Room: parts[1], Text: parts[2]}
		}
	case "NAME":
		if len(parts) >= 2 && parts[1] != "" {
			return Command{Kind: CmdName, Name: parts[1]}
		}
	case "SHUTDOWN":
		return Command{Kind: CmdShutdown}
	}
	return Command{Kind: CmdInvalid}
}
