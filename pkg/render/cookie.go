package render

import "sync/atomic"

// CookiePolicy reflects the browser's third-party cookie controls. The
// speculation engine consults it before cross-site preloads; the application
// shell flips it when the user changes cookie settings.
type CookiePolicy struct {
	blocked atomic.Bool
}

// NewCookiePolicy returns a policy with third-party cookies allowed.
func NewCookiePolicy() *CookiePolicy {
	return &CookiePolicy{}
}

// SetThirdPartyCookiesBlocked updates the policy.
func (c *CookiePolicy) SetThirdPartyCookiesBlocked(blocked bool) {
	c.blocked.Store(blocked)
}

// ThirdPartyCookiesBlocked implements speculation.CookiePolicy.
func (c *CookiePolicy) ThirdPartyCookiesBlocked() bool {
	return c.blocked.Load()
}
