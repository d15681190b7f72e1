package planvalidator

import (
	"regexp"
	"strings"
)

// roleOrder is the canonical role ordering used to find an insertion point
// for injected steps (spec §4.2): "new steps are placed after the last
// existing step whose role precedes the new step's role in the canonical
// ordering".
var roleOrder = []string{
	"product", "architect", "ui-ux", "developer", "code-review", "qa", "security", "devops",
}

func roleRank(role string) int {
	for i, r := range roleOrder {
		if r == role {
			return i
		}
	}
	return len(roleOrder)
}

// compileGlob translates a file_path_matches glob pattern into an anchored
// regular expression per the translation recipe in spec §9: `**` -> `.*`,
// `*` -> `[^/]*`, `?` -> `.`, everything else literal, anchored at both ends.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// normalizePath applies the glob-matching path normalization from spec §4.2:
// backslashes become forward slashes and a leading "./" is stripped.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	path = strings.TrimPrefix(path, "./")
	return path
}

// matchFilePath reports whether path matches the given glob pattern under
// the spec §4.2/§9 semantics.
func matchFilePath(pattern, path string) (bool, error) {
	re, err := compileGlob(normalizePath(pattern))
	if err != nil {
		return false, err
	}
	return re.MatchString(normalizePath(path)), nil
}
