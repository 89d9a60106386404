package origin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw    string
		want   Origin
		wantOK bool
	}{
		{"https://example.com/path?q=1", "https://example.com", true},
		{"https://Example.COM:8443/x", "https://example.com:8443", true},
		{"http://example.com", "http://example.com", true},
		{"www.example.com", "", false}, // no scheme, relative parse has no host
		{"", "", false},
		{"android-app://com.example.app", "android-app://com.example.app", true},
		{"://bad", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.raw)
		assert.Equal(t, tt.wantOK, ok, "Parse(%q) ok", tt.raw)
		assert.Equal(t, tt.want, got, "Parse(%q)", tt.raw)
	}
}

func TestOrigin_Matches(t *testing.T) {
	o, ok := Parse("https://example.com")
	assert.True(t, ok)

	assert.True(t, o.Matches("https://example.com/deep/path"))
	assert.False(t, o.Matches("https://other.com/"))
	assert.False(t, o.Matches("http://example.com/")) // scheme differs
	assert.False(t, o.Matches("not a url at all"))
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier()
	o, _ := Parse("https://example.com")

	assert.False(t, v.IsVerified("com.example.app", o))

	v.AddVerifiedOrigin("com.example.app", o)
	assert.True(t, v.IsVerified("com.example.app", o))
	assert.False(t, v.IsVerified("com.other.app", o))

	other, _ := Parse("https://other.com")
	assert.False(t, v.IsVerified("com.example.app", other))

	v.RemovePackage("com.example.app")
	assert.False(t, v.IsVerified("com.example.app", o))
}
