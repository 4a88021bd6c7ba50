// Package rules implements the include/exclude rule engine of spec §4.J:
// an ordered list of include/exclude/dir-merge patterns compiled to
// anchored regular expressions, with a copy-on-write save/restore stack
// so a directory traversal can push per-directory rule files and pop
// them again on the way back out.
//
// Grounded on original_source/exclude.cc's PathFilterList and
// FilePattern: the same glob-to-regex translation and splice-before-the-
// dir-merge-rule semantics, translated from POSIX regex.h + a manually
// refcounted pattern list into Go's regexp package and plain slice
// copy-on-write.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes the three rule variants of spec §4.J.
type Kind int

const (
	Include Kind = iota
	Exclude
	DirMerge
)

type rule struct {
	kind    Kind
	pattern string
	re      *regexp.Regexp
}

// List holds an ordered rule set with a save/restore stack. The zero
// value is a usable, empty list.
type List struct {
	stack []*[]rule
}

func (l *List) current() []rule {
	if len(l.stack) == 0 {
		return nil
	}
	return *l.stack[len(l.stack)-1]
}

// Save pushes a snapshot of the current rule set. Subsequent mutations
// (AddPattern, MergePatterns) act on a private copy until the matching
// Restore.
func (l *List) Save() {
	cur := l.current()
	l.stack = append(l.stack, &cur)
}

// Restore pops the most recent Save.
func (l *List) Restore() {
	if len(l.stack) == 0 {
		return
	}
	l.stack = l.stack[:len(l.stack)-1]
}

func (l *List) mutable() *[]rule {
	if len(l.stack) == 0 {
		empty := []rule{}
		l.stack = append(l.stack, &empty)
	}
	top := l.stack[len(l.stack)-1]
	copied := append([]rule(nil), (*top)...)
	l.stack[len(l.stack)-1] = &copied
	return &copied
}

// AddPattern compiles pattern (relative to basedir) and appends it with
// the given kind.
func (l *List) AddPattern(kind Kind, pattern, basedir string) error {
	re, err := compilePattern(pattern, basedir)
	if err != nil {
		return fmt.Errorf("rules: compiling pattern %q: %w", pattern, err)
	}
	list := l.mutable()
	*list = append(*list, rule{kind: kind, pattern: pattern, re: re})
	return nil
}

// IsIncluded walks the rule set and returns on the first matching
// include (true) or exclude (false); default true if nothing matches.
// Dir-merge rules are never selectors.
func (l *List) IsIncluded(path string, isDirectory bool) bool {
	full := path
	if isDirectory {
		full = path + "/"
	}
	for _, r := range l.current() {
		if !r.re.MatchString(full) {
			continue
		}
		switch r.kind {
		case Include:
			return true
		case Exclude:
			return false
		case DirMerge:
			continue
		}
	}
	return true
}

// IsMergeFile reports whether path matches some dir-merge rule.
func (l *List) IsMergeFile(path string) bool {
	for _, r := range l.current() {
		if r.kind == DirMerge && r.re.MatchString(path) {
			return true
		}
	}
	return false
}

// MergePatterns parses contents as rule-file lines and splices the
// resulting rules into the set immediately before the dir-merge rule
// that matches path, per spec §4.J. If no dir-merge rule matches path,
// contents is parsed but discarded.
func (l *List) MergePatterns(path, basedir, contents string) error {
	parsed, err := parseRules(basedir, contents)
	if err != nil {
		return err
	}
	list := l.mutable()
	for i, r := range *list {
		if r.kind == DirMerge && r.re.MatchString(path) {
			merged := make([]rule, 0, len(*list)+len(parsed))
			merged = append(merged, (*list)[:i]...)
			merged = append(merged, parsed...)
			merged = append(merged, (*list)[i:]...)
			*list = merged
			return nil
		}
	}
	return nil
}

func parseRules(basedir, contents string) ([]rule, error) {
	var out []rule
	for _, line := range strings.Split(contents, "\n") {
		if line == "" || line[0] == '#' {
			continue
		}
		if len(line) > 2 && line[1] == ' ' {
			var kind Kind
			switch line[0] {
			case '+':
				kind = Include
			case '-':
				kind = Exclude
			case ':':
				kind = DirMerge
			default:
				continue
			}
			re, err := compilePattern(line[2:], basedir)
			if err != nil {
				return nil, fmt.Errorf("rules: compiling rule %q: %w", line, err)
			}
			out = append(out, rule{kind: kind, pattern: line[2:], re: re})
		}
	}
	return out, nil
}

// compilePattern translates a Cumulus glob pattern into an anchored
// regular expression, per spec §4.J.
func compilePattern(pattern, basedir string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')

	if pattern == "" {
		return regexp.Compile(b.String())
	}

	if basedir != "" && basedir != "." {
		b.WriteString(regexQuote(basedir))
		b.WriteByte('/')
	}

	i := 0
	if pattern[0] == '/' {
		i = 1
	} else {
		b.WriteString("(|.*/)")
	}

	for ; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '^', '.', '[', ']', '$', '(', ')', '|', '+', '{', '}', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '?':
			b.WriteString("[^/]")
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				b.WriteString(".*")
			} else {
				b.WriteString("[^/]*")
			}
		default:
			b.WriteByte(c)
		}
	}

	if pattern[len(pattern)-1] != '/' {
		b.WriteString("/?")
	}
	b.WriteByte('$')

	return regexp.Compile(b.String())
}

func regexQuote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '^', '.', '[', ']', '$', '(', ')', '|', '*', '+', '?', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
