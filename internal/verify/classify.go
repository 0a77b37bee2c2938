// Package verify runs a prompt that must produce files, then asks the agent
// to list them and re-prompts for the ones that are still missing.
package verify

import (
	"regexp"
	"strings"
)

var (
	fencedBlock  = regexp.MustCompile("```[^`]*```")
	inlineCode   = regexp.MustCompile("`([^`]+)`")
	boldMarker   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicMarker = regexp.MustCompile(`\*([^*]+)\*`)

	negativeWords = regexp.MustCompile(`(?i)\b(missing|not found|no such file)\b`)
)

// StripMarkup removes fenced code blocks and unwraps inline code, bold and
// italic markers. It repeats until nothing changes, so applying it twice is
// the same as applying it once.
func StripMarkup(text string) string {
	for {
		next := fencedBlock.ReplaceAllString(text, "")
		next = inlineCode.ReplaceAllString(next, "$1")
		next = boldMarker.ReplaceAllString(next, "$1")
		next = italicMarker.ReplaceAllString(next, "$1")
		if next == text {
			return next
		}
		text = next
	}
}

// EscapePattern quotes every regular expression metacharacter in s.
func EscapePattern(s string) string {
	return regexp.QuoteMeta(s)
}

// Outcome partitions expected files. Every file lands in exactly one slice,
// in the order it was given.
type Outcome struct {
	Verified []string `json:"verified_files"`
	Missing  []string `json:"missing_files"`
}

// Classify reads a verification reply and decides, per file, whether the
// agent showed evidence that it exists. The scan is heuristic: any file
// without positive evidence, or with a negative report on a line naming it,
// counts as missing.
func Classify(text string, expectedFiles []string) Outcome {
	lines := strings.Split(StripMarkup(text), "\n")
	outcome := Outcome{Verified: []string{}, Missing: []string{}}
	for _, file := range expectedFiles {
		if newFileMatcher(file).verified(lines) {
			outcome.Verified = append(outcome.Verified, file)
		} else {
			outcome.Missing = append(outcome.Missing, file)
		}
	}
	return outcome
}

// The boundaries reject matches glued to other path characters, so a.js does
// not match data.js or a.json. A slash may precede a basename.
const (
	leftBoundary  = `(?:^|[^\w.\-])`
	rightBoundary = `(?:$|[^\w.\-])`
)

type fileMatcher struct {
	mention  *regexp.Regexp
	positive []*regexp.Regexp
}

func newFileMatcher(file string) fileMatcher {
	base := basename(file)
	fileQ := EscapePattern(file)
	baseQ := EscapePattern(base)
	either := "(?:" + fileQ + "|" + baseQ + ")"
	baseMention := leftBoundary + baseQ + rightBoundary

	return fileMatcher{
		mention: regexp.MustCompile(leftBoundary + either + rightBoundary),
		positive: []*regexp.Regexp{
			regexp.MustCompile(`(?i:exists)[:\s]+` + either + rightBoundary),
			regexp.MustCompile(`[-rwx]{10}.*` + baseMention),
			regexp.MustCompile(`\d+\s+\S+.*` + baseMention),
			regexp.MustCompile(baseMention + `.*\d+\s*(?i:bytes)`),
			regexp.MustCompile(`\d+\s*(?i:bytes).*` + baseMention),
			regexp.MustCompile(`(?i:confirmed|verified|exists|created|written).*` + baseMention),
		},
	}
}

// verified reports true only when no line reports the file missing
// and at least one line carries positive evidence.
func (m fileMatcher) verified(lines []string) bool {
	found := false
	for _, line := range lines {
		if !m.mention.MatchString(line) {
			continue
		}
		if negativeWords.MatchString(line) {
			return false
		}
		if found {
			continue
		}
		for _, pattern := range m.positive {
			if pattern.MatchString(line) {
				found = true
				break
			}
		}
	}
	return found
}

func basename(file string) string {
	index := strings.LastIndex(file, "/")
	if index < 0 || index == len(file)-1 {
		return file
	}
	return file[index+1:]
}
