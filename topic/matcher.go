package topic

import "strings"

// matchTopicFilter reports whether topic (a concrete topic name, no
// wildcards) is matched by filter (which may contain '+' and '#').
func matchTopicFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}
	return matchLevels(splitTopicLevels(filter), splitTopicLevels(topic))
}

func matchLevels(filterLevels, topicLevels []string) bool {
	fi, ti := 0, 0
	for fi < len(filterLevels) && ti < len(topicLevels) {
		level := filterLevels[fi]

		if level == "#" {
			return true
		}
		if level == "+" {
			fi++
			ti++
			continue
		}
		if level != topicLevels[ti] {
			return false
		}
		fi++
		ti++
	}

	if fi < len(filterLevels) {
		return len(filterLevels)-fi == 1 && filterLevels[fi] == "#"
	}
	return ti == len(topicLevels)
}

// isWildcard reports whether filter contains '+' or '#'.
func isWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// normalizeWildcard truncates a '#' filter to its prefix (everything up to
// and including the '#'), the form the pending-wildcard backlog matches
// topics created later against. Filters using only '+' are left as-is.
func normalizeWildcard(filter string) string {
	if idx := strings.IndexByte(filter, '#'); idx >= 0 {
		return filter[:idx] + "#"
	}
	return filter
}

// splitTopicLevels splits a topic or filter into '/'-delimited levels.
func splitTopicLevels(topic string) []string {
	if len(topic) == 0 {
		return []string{}
	}

	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	return append(levels, topic[start:])
}
