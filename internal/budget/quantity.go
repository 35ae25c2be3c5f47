package budget

import (
	"regexp"
	"strconv"
)

var quantityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d+)\s+(?:lint\s+)?(?:violations?|errors?|issues?|problems?|failures?|warnings?)\s+(?:remaining|left)\b`),
	regexp.MustCompile(`(?i)\bremaining\s+(?:violations?|errors?|issues?|problems?|failures?|warnings?)\s*[:=]\s*(\d+)\b`),
	regexp.MustCompile(`(?i)\b(?:violations?|errors?|issues?)\s+remaining\s*[:=]\s*(\d+)\b`),
}

// ParseQuantity extracts a measurable remaining-work count such as
// "12 violations remaining" from a tool result. The last occurrence wins so
// that a summary line at the end takes precedence.
func ParseQuantity(result string) (int, bool) {
	best, bestPos, found := 0, -1, false
	for _, re := range quantityPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(result, -1) {
			if m[0] < bestPos {
				continue
			}
			n, err := strconv.Atoi(result[m[2]:m[3]])
			if err != nil {
				continue
			}
			best, bestPos, found = n, m[0], true
		}
	}
	return best, found
}
