package speculation

import (
	"net/url"
	"strings"
)

// navigableSchemes are the schemes a speculation may target. An empty scheme
// is allowed so bare hostnames like "www.example.com" pass through; the shell
// resolves them to https before navigating.
var navigableSchemes = map[string]struct{}{
	"":      {},
	"http":  {},
	"https": {},
	"about": {},
}

// IsNavigableURL reports whether raw may be speculated or preconnected.
// Non-navigable schemes (intent://, chrome://, android-app://, ...) are
// rejected outright. extraSchemes extends the allow-list with
// deployment-specific internal schemes.
func IsNavigableURL(raw string, extraSchemes []string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := navigableSchemes[scheme]; ok {
		return true
	}
	for _, extra := range extraSchemes {
		if scheme == strings.ToLower(extra) {
			return true
		}
	}
	return false
}

// urlsMatch compares a speculated URL against a navigation target.
// With ignoreFragments, any fragment difference still counts as a match and
// the new fragment is applied in place by the adopting tab; without it, the
// URLs must agree exactly, fragment included.
func urlsMatch(speculated, target string, ignoreFragments bool) bool {
	if speculated == target {
		return true
	}
	if !ignoreFragments {
		return false
	}
	return stripFragment(speculated) == stripFragment(target)
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}
