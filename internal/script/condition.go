package script

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition is a boolean expression over a Vars context. The set of variants is
// closed: Or, And, RegexTest, VarEquals and VarTruthy.
type Condition interface {
	condition()
}

// Or is true when any child is true. An empty Or is false.
type Or []Condition

// And is true when every child is true. An empty And is true.
type And []Condition

// RegexTest matches the value of Var against a case-insensitive pattern.
type RegexTest struct {
	Var     string
	Pattern *regexp.Regexp
}

// VarEquals compares the values of two variables as plain strings.
type VarEquals struct {
	Left  string
	Right string
}

// VarTruthy tests the truthiness of a variable's value.
type VarTruthy struct {
	Var string
}

func (Or) condition()        {}
func (And) condition()       {}
func (RegexTest) condition() {}
func (VarEquals) condition() {}
func (VarTruthy) condition() {}

// Evaluate computes c against vars. It never mutates vars.
func Evaluate(c Condition, vars Vars) bool {
	switch c := c.(type) {
	case Or:
		for _, child := range c {
			if Evaluate(child, vars) {
				return true
			}
		}
		return false
	case And:
		for _, child := range c {
			if !Evaluate(child, vars) {
				return false
			}
		}
		return true
	case RegexTest:
		return c.Pattern.MatchString(vars.Get(c.Var))
	case VarEquals:
		return vars.Get(c.Left) == vars.Get(c.Right)
	case VarTruthy:
		return Truthy(vars.Get(c.Var))
	default:
		return false
	}
}

var regexCallPattern = regexp.MustCompile(`^regex\(\s*([^,\s]+)\s*,\s*(.*?)\s*\)$`)

// ParseCondition parses the string forms of a condition: regex(VAR, /PATTERN/),
// regex(VAR1, VAR2) or a bare variable name.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty condition")
	}
	if m := regexCallPattern.FindStringSubmatch(expr); m != nil {
		left, right := m[1], m[2]
		if pattern, ok := slashDelimited(right); ok {
			re, err := compilePattern(pattern)
			if err != nil {
				return nil, err
			}
			return RegexTest{Var: left, Pattern: re}, nil
		}
		if right == "" {
			return nil, fmt.Errorf("regex condition %q has no right operand", expr)
		}
		return VarEquals{Left: left, Right: right}, nil
	}
	if strings.HasPrefix(expr, "regex(") {
		return nil, fmt.Errorf("malformed regex condition %q", expr)
	}
	if strings.ContainsAny(expr, " (),/") {
		return nil, fmt.Errorf("invalid variable name %q", expr)
	}
	return VarTruthy{Var: expr}, nil
}

// slashDelimited unwraps /PATTERN/ with optional trailing flags. Flags are
// accepted for compatibility; matching is always case-insensitive.
func slashDelimited(s string) (string, bool) {
	if len(s) < 2 || s[0] != '/' {
		return "", false
	}
	end := strings.LastIndexByte(s, '/')
	if end == 0 {
		return "", false
	}
	for _, flag := range s[end+1:] {
		if flag < 'a' || flag > 'z' {
			return "", false
		}
	}
	return s[1:end], true
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern /%s/: %w", pattern, err)
	}
	return re, nil
}
