package notify

import (
	"fmt"
	"slices"
	"time"
)

// -------------------------------------------------------------------------
// Identity-Bearing Events
// -------------------------------------------------------------------------

// PlayerJoin builds the join message for a correlated player: the
// flows matched during login, grouped by (ip, protocol) with ports
// collapsed into one list.
func PlayerJoin(username, ip string, ports []uint16, protocol, target string, now time.Time) Message {
	ports = slices.Clone(ports)
	slices.Sort(ports)

	return Message{Embeds: []Embed{{
		Title:       "Player joined",
		Description: fmt.Sprintf("**%s** connected from %s", username, ip),
		Color:       ColorJoin,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Fields: []Field{
			{Name: "Protocol", Value: protocol, Inline: true},
			{Name: "Ports", Value: FormatPorts(ports), Inline: true},
			{Name: "Target", Value: target, Inline: true},
		},
		Footer: &Footer{Text: "relayd"},
	}}}
}

// PlayerLeave builds the leave message for a player with a known
// address.
func PlayerLeave(username, ip, protocol string, now time.Time) Message {
	return Message{Embeds: []Embed{{
		Title:       "Player left",
		Description: fmt.Sprintf("**%s** disconnected from %s", username, ip),
		Color:       ColorLeave,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Fields: []Field{
			{Name: "Protocol", Value: protocol, Inline: true},
		},
		Footer: &Footer{Text: "relayd"},
	}}}
}

// PlayerLeaveNoIP builds the leave message used when no address is
// known for the player.
func PlayerLeaveNoIP(username string, now time.Time) Message {
	return Message{Embeds: []Embed{{
		Title:       "Player left",
		Description: fmt.Sprintf("**%s** disconnected", username),
		Color:       ColorLeave,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      &Footer{Text: "relayd"},
	}}}
}

// GenericLogin builds the login message used when no pending flow
// matched the login timestamp.
func GenericLogin(username string, now time.Time) Message {
	return Message{Embeds: []Embed{{
		Title:       "Player logged in",
		Description: fmt.Sprintf("**%s** logged in", username),
		Color:       ColorInfo,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      &Footer{Text: "relayd"},
	}}}
}
