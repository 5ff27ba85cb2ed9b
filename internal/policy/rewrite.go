package policy

import (
	"os"
	"strings"
)

// Rewrite applies the first redirect whose Original is a component-wise
// prefix of path and returns the rewritten path. Rules are tried in
// declaration order; the first match wins even if a later rule is more
// specific. When no rule matches, path is returned unchanged with false.
//
// Matching follows Win32 rules: '\' and '/' are equivalent, repeated
// separators and "." components are ignored, ".." is resolved lexically
// and components compare ASCII case-insensitively. The \\?\ and \\.\
// prefixes are looked through, so \\?\C:\x matches C:\x and
// \\?\UNC\srv\share matches \\srv\share. A \\?\ path keeps its prefix
// when the rewritten path is drive-absolute.
func Rewrite(redirects []PathRedirect, path string) (string, bool) {
	if path == "" {
		return path, false
	}

	pathParts := components(path)
	for _, r := range redirects {
		rest, ok := trimComponents(pathParts, components(r.Original))
		if !ok {
			continue
		}
		out := joinRemainder(r.Redirected, rest, separatorOf(r.Redirected, path))
		if strings.HasPrefix(path, longPathPrefix) && hasDrivePrefix(strings.ReplaceAll(out, `\`, "/")) {
			out = longPathPrefix + strings.ReplaceAll(out, "/", `\`)
		}
		return out, true
	}
	return path, false
}

// HasPathPrefix reports whether prefix is a component-wise prefix of path.
func HasPathPrefix(path, prefix string) bool {
	_, ok := trimComponents(components(path), components(prefix))
	return ok
}

const longPathPrefix = `\\?\`

// components splits p into comparable parts. Leading separators, together
// with any device prefix left after stripDevicePrefix, form the first
// component so rooted and relative paths never compare equal. ".." never
// climbs above a path's root.
func components(p string) []string {
	p = stripDevicePrefix(strings.ReplaceAll(p, `\`, "/"))

	var out []string
	lead := ""
	root := 0
	switch {
	case strings.HasPrefix(p, "//?/") || strings.HasPrefix(p, "//./"):
		lead = p[:4]
		root = 2 // prefix, device
	case strings.HasPrefix(p, "//"):
		lead = "//"
		root = 3 // "//", server, share
	case strings.HasPrefix(p, "/"):
		lead = "/"
		root = 1
	}
	if lead != "" {
		out = append(out, lead)
	}

	for _, part := range strings.Split(p[len(lead):], "/") {
		switch {
		case part == "" || part == ".":
			continue
		case part == "..":
			switch {
			case len(out) > root && out[len(out)-1] != "..":
				out = out[:len(out)-1]
			case root == 0:
				// Relative paths keep leading "..".
				out = append(out, part)
			}
			continue
		}
		if len(out) == 0 && len(part) == 2 && hasDrivePrefix(part) {
			root = 1
		}
		out = append(out, part)
	}
	return out
}

// stripDevicePrefix rewrites //?/X: and //./X: to X:, and //?/UNC/ to //.
// Other device paths such as //./pipe/x are returned unchanged.
func stripDevicePrefix(p string) string {
	if len(p) < 4 || !strings.HasPrefix(p, "//") || (p[2] != '?' && p[2] != '.') || p[3] != '/' {
		return p
	}
	rest := p[4:]
	switch {
	case len(rest) >= 4 && equalFoldASCII(rest[:4], "UNC/"):
		return "//" + rest[4:]
	case hasDrivePrefix(rest):
		return rest
	}
	return p
}

// hasDrivePrefix reports whether s starts with "X:" followed by '/' or
// nothing. s must already use forward slashes.
func hasDrivePrefix(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0] | 0x20
	if c < 'a' || c > 'z' {
		return false
	}
	return len(s) == 2 || s[2] == '/'
}

func trimComponents(path, prefix []string) ([]string, bool) {
	if len(prefix) == 0 || len(prefix) > len(path) {
		return nil, false
	}
	for i, part := range prefix {
		if !equalFoldASCII(part, path[i]) {
			return nil, false
		}
	}
	return path[len(prefix):], true
}

// equalFoldASCII folds only A-Z. Unicode folding would let characters
// such as the Kelvin sign match 'k', which NTFS does not do.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func depth(p string) int {
	return len(components(p))
}

// separatorOf picks the separator used to append the remainder: the
// redirected base's own style, then the original path's, then the host's.
func separatorOf(base, path string) string {
	switch {
	case strings.Contains(base, `\`):
		return `\`
	case strings.Contains(base, "/"):
		return "/"
	case strings.Contains(path, `\`):
		return `\`
	}
	return string(os.PathSeparator)
}

func joinRemainder(base string, rest []string, sep string) string {
	if len(rest) == 0 {
		return base
	}
	trimmed := strings.TrimRight(base, `\/`)
	if trimmed == "" {
		// base is a bare root such as "/".
		return base + strings.Join(rest, sep)
	}
	return trimmed + sep + strings.Join(rest, sep)
}
