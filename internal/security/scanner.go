// Package security statically scans a generated artifact for a fixed
// blacklist of unsafe constructs: a linear list of checks, each
// recording every violation found with a line number and category
// rather than stopping at the first one.
package security

import (
	"regexp"
	"strings"
)

// Category is one of the fixed violation classes.
type Category string

const (
	CategoryDynamicExec   Category = "dynamic_exec"
	CategoryShellInterp   Category = "shell_interpolation"
	CategoryCredentialLit Category = "credential_literal"
	CategoryFSWriteOOB    Category = "filesystem_write_outside_output_dir"
)

// Violation is one finding: its category, the 1-indexed line it occurs
// on, and the offending line text.
type Violation struct {
	Category Category
	Line     int
	Text     string
}

// BlockingCategories is the set of violation categories that fail the
// security stage and route into self-debug with SECURITY_VIOLATION.
// Non-blocking categories may be configured separately by a caller that
// wants low-severity warnings surfaced without failing the run; by
// default every category here blocks.
var BlockingCategories = map[Category]bool{
	CategoryDynamicExec:   true,
	CategoryShellInterp:   true,
	CategoryCredentialLit: true,
	CategoryFSWriteOOB:    true,
}

var (
	dynamicExecPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`\bexec\.Command\s*\(\s*"sh"`),
		regexp.MustCompile(`\bplugin\.Open\s*\(`),
		regexp.MustCompile(`\breflect\.ValueOf\s*\([^)]*\)\.Call\s*\(`),
	}

	// shellInterp matches a shell invocation whose command string is
	// built by concatenation or fmt.Sprintf rather than passed as a
	// fixed literal with separate argv entries.
	shellInterpPatterns = []*regexp.Regexp{
		regexp.MustCompile(`exec\.Command\(\s*"(?:/bin/)?(?:ba)?sh"\s*,\s*"-c"\s*,\s*fmt\.Sprintf`),
		regexp.MustCompile(`exec\.Command\(\s*"(?:/bin/)?(?:ba)?sh"\s*,\s*"-c"\s*,\s*[A-Za-z_]\w*\s*\+`),
	}

	// credentialLike matches well-known service-token prefixes the
	// ecosystem commonly issues, plus a fallback high-entropy-string
	// check performed separately in isHighEntropy.
	credentialPrefixed = regexp.MustCompile(`\b(?:sk-ant-|sk-|xox[baprs]-|ghp_|gho_|ghs_|AKIA|Bearer )[A-Za-z0-9_\-\/\.]{16,}`)

	quotedLiteral = regexp.MustCompile(`"([A-Za-z0-9+/=_\-]{32,})"`)

	osWriteCall = regexp.MustCompile(`os\.(?:WriteFile|Create|OpenFile|MkdirAll)\s*\(\s*"([^"]*)"`)
)

// Scan runs every check against source and returns all violations
// found, in line order. An empty result means the artifact passed.
func Scan(source, outputDir string) []Violation {
	var violations []Violation
	lines := strings.Split(source, "\n")

	for i, line := range lines {
		lineNo := i + 1
		if inComment(line) {
			continue
		}

		for _, p := range dynamicExecPatterns {
			if p.MatchString(line) {
				violations = append(violations, Violation{Category: CategoryDynamicExec, Line: lineNo, Text: strings.TrimSpace(line)})
			}
		}
		for _, p := range shellInterpPatterns {
			if p.MatchString(line) {
				violations = append(violations, Violation{Category: CategoryShellInterp, Line: lineNo, Text: strings.TrimSpace(line)})
			}
		}
		if credentialPrefixed.MatchString(line) {
			violations = append(violations, Violation{Category: CategoryCredentialLit, Line: lineNo, Text: strings.TrimSpace(line)})
		} else {
			for _, m := range quotedLiteral.FindAllStringSubmatch(line, -1) {
				if isHighEntropy(m[1]) {
					violations = append(violations, Violation{Category: CategoryCredentialLit, Line: lineNo, Text: strings.TrimSpace(line)})
					break
				}
			}
		}
		if m := osWriteCall.FindStringSubmatch(line); m != nil {
			if !pathWithin(m[1], outputDir) {
				violations = append(violations, Violation{Category: CategoryFSWriteOOB, Line: lineNo, Text: strings.TrimSpace(line)})
			}
		}
	}
	return violations
}

// Passed reports whether violations contains nothing in the blocking
// set, using the default BlockingCategories.
func Passed(violations []Violation) bool {
	for _, v := range violations {
		if BlockingCategories[v.Category] {
			return false
		}
	}
	return true
}

func inComment(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "//")
}

// isHighEntropy approximates the "high-entropy strings ≥ 32
// chars" rule: a string is flagged if it mixes case and digits broadly
// enough that it reads as a generated token rather than prose or an
// identifier-like constant.
func isHighEntropy(s string) bool {
	if len(s) < 32 {
		return false
	}
	var upper, lower, digit int
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper++
		case r >= 'a' && r <= 'z':
			lower++
		case r >= '0' && r <= '9':
			digit++
		case r == ' ':
			return false // prose, not a token
		}
	}
	classes := 0
	for _, n := range []int{upper, lower, digit} {
		if n > 0 {
			classes++
		}
	}
	return classes >= 2 && digit > 0
}

// pathWithin reports whether path is lexically confined to outputDir.
// It is a simple prefix check (the artifact's own declared output
// directory is always a fixed, known-safe string at scan time) rather
// than a filesystem-resolving check, since the scanner never executes
// the artifact.
func pathWithin(path, outputDir string) bool {
	if outputDir == "" {
		return true
	}
	clean := strings.TrimPrefix(path, "./")
	return strings.HasPrefix(clean, strings.TrimPrefix(outputDir, "./"))
}
