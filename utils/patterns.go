package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// regexPrefix marks a pattern as a regular expression over the full path.
// Every other pattern is a filepath.Match glob over the base name.
const regexPrefix = "re:"

type PatternMatcher struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
}

func NewPatternMatcher(includePatterns, excludePatterns []string) *PatternMatcher {
	m := &PatternMatcher{}
	m.includeGlobs, m.includeRegex = splitPatterns(includePatterns)
	m.excludeGlobs, m.excludeRegex = splitPatterns(excludePatterns)
	return m
}

// ShouldInclude reports whether a file at path passes both pattern lists.
func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if (len(m.includeGlobs) > 0 || len(m.includeRegex) > 0) && !m.matches(path, m.includeGlobs, m.includeRegex) {
		return false
	}
	return !m.IsExcluded(path)
}

// IsExcluded reports whether path matches an exclude pattern. Include
// patterns are ignored so that directories are only pruned by excludes.
func (m *PatternMatcher) IsExcluded(path string) bool {
	if m == nil || (len(m.excludeGlobs) == 0 && len(m.excludeRegex) == 0) {
		return false
	}
	return m.matches(path, m.excludeGlobs, m.excludeRegex)
}

func (m *PatternMatcher) matches(path string, globs []string, regexes []*regexp.Regexp) bool {
	base := filepath.Base(path)
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	slashed := filepath.ToSlash(path)
	for _, re := range regexes {
		if re.MatchString(slashed) {
			return true
		}
	}
	return false
}

// ValidatePatterns reports the first pattern that cannot be compiled.
func ValidatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			continue
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// splitPatterns drops patterns that do not compile; callers validate first.
func splitPatterns(patterns []string) ([]string, []*regexp.Regexp) {
	var globs []string
	var regexes []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
			if re, err := regexp.Compile(expr); err == nil {
				regexes = append(regexes, re)
			}
			continue
		}
		globs = append(globs, pattern)
	}
	return globs, regexes
}
