package platform

import "strings"

// Wildcard is the channel/guild key holding the default policy.
const Wildcard = "*"

// DefaultControlPrefixes always bypass the mention requirement.
var DefaultControlPrefixes = []string{"/delegate", "delegate:"}

// ChannelPolicy is the per-channel (or per-guild) gating configuration.
type ChannelPolicy struct {
	RequireMention bool `json:"require_mention" toml:"require_mention"`
}

// Addressing describes how an inbound message relates to the agent.
type Addressing struct {
	Mentioned  bool
	ReplyToBot bool
	Private    bool
}

// Addressed reports whether the message explicitly targets the agent.
func (a Addressing) Addressed() bool {
	return a.Mentioned || a.ReplyToBot || a.Private
}

// GatePolicy decides which observed messages are forwarded to the router.
type GatePolicy struct {
	ListenBroadly   bool
	Channels        map[string]ChannelPolicy
	Guilds          map[string]ChannelPolicy
	ControlPrefixes []string
}

// RequiresMention resolves the effective policy: channel, then guild, then
// the wildcard entry of either map. With nothing configured a mention is
// required.
func (p GatePolicy) RequiresMention(guildID, channelID string) bool {
	if cp, ok := p.Channels[channelID]; ok && channelID != "" {
		return cp.RequireMention
	}
	if gp, ok := p.Guilds[guildID]; ok && guildID != "" {
		return gp.RequireMention
	}
	if cp, ok := p.Channels[Wildcard]; ok {
		return cp.RequireMention
	}
	if gp, ok := p.Guilds[Wildcard]; ok {
		return gp.RequireMention
	}
	return true
}

// IsControlCommand reports whether text starts with a privileged control
// command.
func (p GatePolicy) IsControlCommand(text string) bool {
	prefixes := p.ControlPrefixes
	if prefixes == nil {
		prefixes = DefaultControlPrefixes
	}
	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(trimmed, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// ShouldForward applies the gating rules to one message.
func (p GatePolicy) ShouldForward(guildID, channelID, text string, addr Addressing) bool {
	if addr.Addressed() {
		return true
	}
	if p.IsControlCommand(text) {
		return true
	}
	return p.ListenBroadly && !p.RequiresMention(guildID, channelID)
}
