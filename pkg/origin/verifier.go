// Package origin models web origins and the verification of client apps
// against them. Actual proof (digital asset links, signature checks) lives in
// an external verifier; this package only defines the contract and a static
// implementation for wiring and tests.
package origin

import (
	"net/url"
	"strings"
	"sync"
)

// Origin is a normalized scheme://host[:port] triple.
type Origin string

// Parse derives an Origin from a URL string. Returns "" and false when the
// input has no usable scheme/host pair.
func Parse(raw string) (Origin, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "" || host == "" {
		return "", false
	}
	return Origin(scheme + "://" + host), true
}

// String returns the serialized origin.
func (o Origin) String() string {
	return string(o)
}

// Matches reports whether the given URL belongs to this origin.
func (o Origin) Matches(raw string) bool {
	parsed, ok := Parse(raw)
	return ok && parsed == o
}

// Verifier confirms that a client package is authorized to act as a web
// origin. Implementations must be safe for concurrent use.
type Verifier interface {
	IsVerified(packageName string, origin Origin) bool
}

// StaticVerifier is a Verifier backed by an in-memory allow-list.
// Production deployments populate it from the application shell's
// verification pipeline; tests populate it directly.
type StaticVerifier struct {
	mu       sync.RWMutex
	verified map[string]map[Origin]struct{}
}

// NewStaticVerifier creates an empty StaticVerifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{verified: make(map[string]map[Origin]struct{})}
}

// AddVerifiedOrigin records that packageName may act as origin.
func (v *StaticVerifier) AddVerifiedOrigin(packageName string, origin Origin) {
	v.mu.Lock()
	defer v.mu.Unlock()
	origins, ok := v.verified[packageName]
	if !ok {
		origins = make(map[Origin]struct{})
		v.verified[packageName] = origins
	}
	origins[origin] = struct{}{}
}

// RemovePackage drops every verified origin for packageName.
func (v *StaticVerifier) RemovePackage(packageName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.verified, packageName)
}

// IsVerified implements Verifier.
func (v *StaticVerifier) IsVerified(packageName string, origin Origin) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	origins, ok := v.verified[packageName]
	if !ok {
		return false
	}
	_, ok = origins[origin]
	return ok
}
