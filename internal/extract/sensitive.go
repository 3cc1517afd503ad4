package extract

import (
	"regexp"
	"sort"
)

var sensitivePatterns = map[string]*regexp.Regexp{
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
	"api_key":     regexp.MustCompile(`\b(sk-[a-zA-Z0-9]{32,}|ghp_[a-zA-Z0-9]{36}|xox[baprs]-[a-zA-Z0-9-]+)\b`),
	"private_key": regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
}

// DetectSensitive returns the sorted categories of sensitive data found in text
func DetectSensitive(text string) []string {
	var found []string
	for kind, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			found = append(found, kind)
		}
	}
	sort.Strings(found)
	return found
}
