package events

import "strings"

// MatchPattern reports whether a dot-namespaced event type matches a
// binding pattern. Semantics mirror the broker's topic exchange: "*"
// stands for exactly one segment, "#" for zero or more, so a locally
// registered handler never disagrees with the queue binding that
// delivered the event.
func MatchPattern(eventType, pattern string) bool {
	if eventType == "" || pattern == "" {
		return false
	}
	return matchSegments(strings.Split(eventType, "."), strings.Split(pattern, "."))
}

func matchSegments(event, pattern []string) bool {
	if len(pattern) == 0 {
		return len(event) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(event); i++ {
			if matchSegments(event[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case "*":
		return len(event) > 0 && matchSegments(event[1:], pattern[1:])
	default:
		return len(event) > 0 && event[0] == pattern[0] && matchSegments(event[1:], pattern[1:])
	}
}
