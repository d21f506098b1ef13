package throttle

import (
	"time"

	"github.com/relaymsg/chat-limiter/pkg/limiter"
)

// Scope is one named rate-limit dimension with its own budget and key space.
type Scope string

const (
	// ScopeChat budgets one conversation, shared between inbound
	// processing and outbound sends for that conversation.
	ScopeChat Scope = "chat"
	// ScopeGlobal budgets all traffic handled on behalf of one bot.
	ScopeGlobal Scope = "global"
	// ScopeBroadcast budgets bulk-send paths, independent of the normal
	// inbound/outbound checks.
	ScopeBroadcast Scope = "broadcast"
)

// DefaultBotID substitutes for an unset bot identifier in global and
// broadcast keys.
const DefaultBotID = "default"

// Key derives the store key for this scope. The naming scheme is shared by
// every instance in the fleet and must not change:
//
//	rate:chat:<conversationID>
//	rate:global:<botID or "default">
//	rate:broadcast:<botID or "default">
func (s Scope) Key(conversationID, botID string) string {
	if botID == "" {
		botID = DefaultBotID
	}
	switch s {
	case ScopeChat:
		return "rate:chat:" + conversationID
	case ScopeGlobal:
		return "rate:global:" + botID
	case ScopeBroadcast:
		return "rate:broadcast:" + botID
	default:
		return "rate:" + string(s) + ":" + conversationID
	}
}

// ScopeConfig pairs a scope with its bucket policy. Configurations are
// immutable after process start.
type ScopeConfig struct {
	Scope Scope
	Limit limiter.Limit
}

// ScopeSet holds the three required scope configurations.
type ScopeSet struct {
	Chat      ScopeConfig
	Global    ScopeConfig
	Broadcast ScopeConfig
}

// DefaultScopes returns the production budgets: 20 messages per minute per
// conversation, 30 per second per bot, and 15 broadcasts per minute.
func DefaultScopes() ScopeSet {
	return ScopeSet{
		Chat:      ScopeConfig{Scope: ScopeChat, Limit: limiter.Limit{Capacity: 20, Window: time.Minute}},
		Global:    ScopeConfig{Scope: ScopeGlobal, Limit: limiter.Limit{Capacity: 30, Window: time.Second}},
		Broadcast: ScopeConfig{Scope: ScopeBroadcast, Limit: limiter.Limit{Capacity: 15, Window: time.Minute}},
	}
}
