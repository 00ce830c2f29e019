package protocol

import "fmt"

// Command is one of the command tokens of the client↔master and
// master↔node protocols.
type Command int

const (
	CmdUnknown Command = iota

	// client ↔ master
	CmdList
	CmdAdd
	CmdGet
	CmdRemove

	// master ↔ node
	CmdAddPart
	CmdGetPart
	CmdRemovePart
	CmdCheck

	CmdQuit
)

var commandTokens = map[Command]string{
	CmdList:       "LIST",
	CmdAdd:        "ADD",
	CmdGet:        "GET",
	CmdRemove:     "REMOVE",
	CmdAddPart:    "ADD_PART",
	CmdGetPart:    "GET_PART",
	CmdRemovePart: "REMOVE_PART",
	CmdCheck:      "CHECK",
	CmdQuit:       "QUIT",
}

var tokenCommands = func() map[string]Command {
	res := make(map[string]Command, len(commandTokens))
	for c, tok := range commandTokens {
		res[tok] = c
	}
	return res
}()

func (c Command) String() string {
	if tok, ok := commandTokens[c]; ok {
		return tok
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// ParseCommand decodes a command token. Unknown tokens map to CmdUnknown.
func ParseCommand(tok string) Command {
	return tokenCommands[tok]
}

// IsClientCommand reports whether the command is part of the client↔master protocol.
func (c Command) IsClientCommand() bool {
	switch c {
	case CmdList, CmdAdd, CmdGet, CmdRemove, CmdQuit:
		return true
	}
	return false
}

// IsNodeCommand reports whether the command is part of the master↔node protocol.
func (c Command) IsNodeCommand() bool {
	switch c {
	case CmdAddPart, CmdGetPart, CmdRemovePart, CmdCheck, CmdQuit:
		return true
	}
	return false
}
