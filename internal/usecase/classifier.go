package usecase

import (
	"fmt"
	"strings"

	"line-gateway/internal/domain"
)

// Classifier maps a message to a routing decision. Keyword order is match
// precedence: the first keyword found wins, not the longest.
type Classifier struct {
	oldKeywords       []string
	highValueKeywords []string
}

// NewClassifier copies both keyword lists.
func NewClassifier(oldKeywords, highValueKeywords []string) *Classifier {
	return &Classifier{
		oldKeywords:       append([]string(nil), oldKeywords...),
		highValueKeywords: append([]string(nil), highValueKeywords...),
	}
}

// Classify never routes non-text content to the old system. Old-system
// keywords outrank high-value keywords, which outrank the default.
func (c *Classifier) Classify(messageType string, messageText *string) domain.RoutingDecision {
	if messageType != domain.MessageTypeText || messageText == nil {
		return domain.RoutingDecision{
			Target: domain.TargetNewSystem,
			Reason: fmt.Sprintf("non-text message (type=%s), handled by new system", messageType),
		}
	}
	text := *messageText

	if kw, ok := firstMatch(text, c.oldKeywords); ok {
		return domain.RoutingDecision{
			Target:         domain.TargetOldSystem,
			Reason:         "old-system keyword: " + kw,
			MatchedKeyword: kw,
		}
	}
	if kw, ok := firstMatch(text, c.highValueKeywords); ok {
		return domain.RoutingDecision{
			Target:         domain.TargetNewSystem,
			Reason:         "high-value keyword: " + kw,
			IsHighValue:    true,
			MatchedKeyword: kw,
		}
	}
	return domain.RoutingDecision{
		Target: domain.TargetNewSystem,
		Reason: "general message, handled by new system",
	}
}

func firstMatch(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
