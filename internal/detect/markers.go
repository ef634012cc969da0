package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// MarkerSet holds the failure marker substrings per signal kind. Matching is
// case-insensitive against the full rendered text of the observed root.
type MarkerSet struct {
	Moderation []string
	RateLimit  []string
}

// DefaultMarkers returns the marker strings the page is known to render.
// They are configurable because the site reworks its copy regularly.
func DefaultMarkers() MarkerSet {
	return MarkerSet{
		Moderation: []string{
			"content moderated",
			"violates our acceptable use policy",
			"unable to generate this video",
		},
		RateLimit: []string{
			"rate limited",
			"too many requests",
			"reached your video generation limit",
			"you're creating videos too quickly",
		},
	}
}

// match returns the first marker contained in text, or "" when none match.
func match(text string, markers []string) string {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return m
		}
	}
	return ""
}

type waitPattern struct {
	re         *regexp.Regexp
	multiplier int
}

var waitTimePatterns = []waitPattern{
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*s`), 1},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:m|min|minute|minutes)`), 60},
	{regexp.MustCompile(`(?i)wait\s+(\d+)\s*(?:second|sec|s)`), 1},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:s|sec)`), 1},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:m|min|minute|minutes)`), 60},
	{regexp.MustCompile(`(?i)more\s+videos\s+in\s+(\d+)\s*(?:m|min|minute|minutes)`), 60},
	{regexp.MustCompile(`(?i)rate.?limit.*?(\d+)\s*s`), 1},
}

// ParseWaitSeconds extracts a suggested wait time in seconds from rate-limit
// text. Returns 0 if no wait time is found.
func ParseWaitSeconds(text string) int {
	if text == "" {
		return 0
	}
	for _, pattern := range waitTimePatterns {
		if matches := pattern.re.FindStringSubmatch(text); len(matches) > 1 {
			seconds, err := strconv.Atoi(matches[1])
			if err == nil && seconds > 0 {
				return seconds * pattern.multiplier
			}
		}
	}
	return 0
}
