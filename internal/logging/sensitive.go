// Package logging builds the process logger and masks sensitive values
// before they reach it.
package logging

import (
	"regexp"
	"strings"
)

// sensitiveKeywords mark attribute keys and config fields whose values are
// never logged.
var sensitiveKeywords = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"x-api-key",
	"private_key",
	"credentials",
	"authorization",
	"bearer",
	"cookie",
	"session_id",
	"access_key",
}

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name contains a sensitive keyword.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value if fieldName is sensitive. Empty values are
// returned as is.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskAPIKey shows only the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// sensitivePatterns find credentials embedded in free text such as driver
// errors or connection strings.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)(['"]?\s*[=:]\s*)['"]?[^\s'",;&]+['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9_\-\.=]+`),
	regexp.MustCompile(`(?i)basic\s+[a-z0-9+/=]+`),
	regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
	regexp.MustCompile(`(?i)(://[^:/@\s]+:)[^@\s]+@`),
}

// MaskSensitivePatterns masks credentials found in s.
func MaskSensitivePatterns(s string) string {
	for i, p := range sensitivePatterns {
		switch i {
		case 0:
			s = p.ReplaceAllString(s, "${1}${2}"+MaskedValue)
		case len(sensitivePatterns) - 1:
			s = p.ReplaceAllString(s, "${1}"+MaskedValue+"@")
		default:
			s = p.ReplaceAllString(s, MaskedValue)
		}
	}
	return s
}
