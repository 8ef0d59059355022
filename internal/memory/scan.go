package memory

import (
	"regexp"
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// PII heuristics. Detection is recorded on the memory row, never blocking.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), // email
	regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`),                            // phone
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                            // ssn
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),                          // card number
}

// Injection heuristics over lowercased content.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"system prompt",
	"you are now",
	"<|im_start|>",
}

// Level-3 markers: content naming credentials defaults to the restricted tier.
var sensitiveMarkers = []string{
	"password", "api key", "api_key", "secret", "token", "private key", "credential",
}

// ScanResult is the outcome of the store-side content scan.
type ScanResult struct {
	PIIDetected       bool
	InjectionDetected bool
}

// Scan runs the PII and injection heuristics over content.
func Scan(content string) ScanResult {
	var res ScanResult
	for _, p := range piiPatterns {
		if p.MatchString(content) {
			res.PIIDetected = true
			break
		}
	}
	lower := strings.ToLower(content)
	for _, m := range injectionMarkers {
		if strings.Contains(lower, m) {
			res.InjectionDetected = true
			break
		}
	}
	return res
}

// Classify assigns a sensitivity level when the caller supplied none:
// credential-bearing content is L3, PII-bearing content is L2, the rest L1.
func Classify(content string, scan ScanResult) string {
	lower := strings.ToLower(content)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return store.LevelL3
		}
	}
	if scan.PIIDetected {
		return store.LevelL2
	}
	return store.LevelL1
}
