package bnc

import (
	"strings"

	"gopkg.in/irc.v3"
)

type ircError struct {
	Message *irc.Message
}

func (err ircError) Error() string {
	return err.Message.String()
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params: []string{
			"*",
			cmd,
			"Not enough parameters",
		},
	}}
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// casemapASCII of name is the canonical representation of name according to
// the ascii casemapping.
func casemapASCII(name string) string {
	nameBytes := []byte(name)
	for i, r := range nameBytes {
		if 'A' <= r && r <= 'Z' {
			nameBytes[i] = r + 'a' - 'A'
		}
	}
	return string(nameBytes)
}

const stdChannelTypes = "#&"

// isChannelName reports whether entity names a channel for the given
// channel-type prefix characters (from ISUPPORT CHANTYPES).
func isChannelName(entity, channelTypes string) bool {
	if entity == "" {
		return false
	}
	return strings.IndexByte(channelTypes, entity[0]) >= 0
}

func isNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if cmd[i] < '0' || cmd[i] > '9' {
			return false
		}
	}
	return true
}

// isupportValue extracts the value of an ISUPPORT token, e.g.
// isupportValue(tokens, "CHANTYPES") on "CHANTYPES=#&" yields "#&".
func isupportValue(tokens []string, name string) (string, bool) {
	for _, tok := range tokens {
		if tok == name {
			return "", true
		}
		if strings.HasPrefix(tok, name+"=") {
			return tok[len(name)+1:], true
		}
	}
	return "", false
}
