package domain

import (
	"fmt"
	"strings"
)

// RouteTarget names where an event is relayed.
type RouteTarget string

const (
	TargetOldSystem RouteTarget = "old_system"
	TargetNewSystem RouteTarget = "new_system"
	// TargetBoth relays to both backends. No classifier rule produces it today.
	TargetBoth RouteTarget = "both"
)

// Backend identifies a single forwarding leg.
type Backend string

const (
	BackendOld Backend = "old_system"
	BackendNew Backend = "new_system"
)

// Backends returns the legs a target fans out to, old before new.
func (t RouteTarget) Backends() []Backend {
	switch t {
	case TargetOldSystem:
		return []Backend{BackendOld}
	case TargetNewSystem:
		return []Backend{BackendNew}
	case TargetBoth:
		return []Backend{BackendOld, BackendNew}
	default:
		return nil
	}
}

// RoutingDecision is the classifier output for one event.
type RoutingDecision struct {
	Target         RouteTarget
	Reason         string
	IsHighValue    bool
	MatchedKeyword string
}

// ReplyMode decides who issues the user-facing reply.
type ReplyMode string

const (
	ReplyUnified     ReplyMode = "unified"
	ReplyDelegateOld ReplyMode = "delegate_old"
	ReplyDelegateNew ReplyMode = "delegate_new"
)

// ParseReplyMode accepts the configured mode name, case-insensitively.
func ParseReplyMode(s string) (ReplyMode, error) {
	switch m := ReplyMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ReplyUnified, ReplyDelegateOld, ReplyDelegateNew:
		return m, nil
	case "":
		return ReplyUnified, nil
	default:
		return "", fmt.Errorf("domain: unknown reply mode %q", s)
	}
}

// SelfReplyingBackend returns the backend trusted to reply on its own under
// this mode, or "" when the relay owns every reply.
func (m ReplyMode) SelfReplyingBackend() Backend {
	switch m {
	case ReplyDelegateOld:
		return BackendOld
	case ReplyDelegateNew:
		return BackendNew
	default:
		return ""
	}
}
