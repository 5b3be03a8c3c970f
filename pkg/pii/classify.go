// Package pii classifies free text for the presence of sensitive content.
// The classifier is a fixed, ordered set of regular expressions: the first
// tier that matches wins, regardless of how many patterns within a lower
// tier would also have matched.
package pii

import (
	"regexp"

	"github.com/lumenlog/logpipe/engine/logmodel"
)

var highPatterns = compileAll(
	`password\s*[=:]\s*\S+`,
	`secret\s*[=:]\s*\S+`,
	`api[_-]?key\s*[=:]\s*\S+`,
	`token\s*[=:]\s*\S+`,
	`authorization\s*[=:]\s*bearer`,
	`private[_-]?key`,
	`access[_-]?token`,
	`refresh[_-]?token`,
)

var moderatePatterns = compileAll(
	`[\w.%+-]+@[\w.-]+\.[A-Za-z]{2,}`,
	`\b(?:\d{1,3}\.){3}\d{1,3}\b`,
	`\d{3}[-.]?\d{3}[-.]?\d{4}`,
	`ssn\s*[=:]\s*\d`,
)

var lowPatterns = compileAll(
	`user[_-]?id`,
	`account[_-]?id`,
	`customer[_-]?id`,
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify scans the given text fragments (message, text payload, and the
// serialized JSON payload) and returns the highest-risk tier matched.
func Classify(fragments ...string) logmodel.PIIRisk {
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if anyMatch(highPatterns, f) {
			return logmodel.PIIRiskHigh
		}
	}
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if anyMatch(moderatePatterns, f) {
			return logmodel.PIIRiskModerate
		}
	}
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if anyMatch(lowPatterns, f) {
			return logmodel.PIIRiskLow
		}
	}
	return logmodel.PIIRiskNone
}
