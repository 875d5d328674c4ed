package chat

import "testing"

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		line     string
		expected Command
	}{
		{"JOIN general", Command{Kind: CmdJoin, Room: "general"}},
		{"join general", Command{Kind: CmdJoin, Room: "general"}}, // case-insensitive verb
		{"LEAVE general", Command{Kind: CmdLeave, Room: "general"}},
		{"MSG general hello there", Command{Kind: CmdMsg, Room: "general", Text: "hello there"}},
		{"MSG general   spaced   out  ", Command{Kind: CmdMsg, Room: "general", Text: "  spaced   out"}},
		{"NAME alice", Command{Kind: CmdName, Name: "alice"}},
		{"SHUTDOWN", Command{Kind: CmdShutdown}},
		{"JOIN", Command{Kind: CmdInvalid}},          // missing room
		{"MSG general", Command{Kind: CmdInvalid}},   // missing text
		{"DANCE general", Command{Kind: CmdInvalid}}, // unknown verb
		{"", Command{Kind: CmdInvalid}},
	}

	for _, tc := range testCases {
		got := ParseCommand(tc.line)
		if got != tc.expected {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tc.line, got, tc.expected)
		}
	}
}
