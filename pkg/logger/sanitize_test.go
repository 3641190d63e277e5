package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizedEmail(t *testing.T) {
	assert.Equal(t, "a****@*******.com", SanitizedEmail("alice@example.com"))
	assert.Equal(t, "b@*.io", SanitizedEmail("b@x.io"))
	assert.Equal(t, "[invalid-email]", SanitizedEmail("not-an-email"))
}

func TestSanitizeQueryString(t *testing.T) {
	assert.True(t, SanitizeQueryString("refresh_token=abc"))
	assert.True(t, SanitizeQueryString("Code=123456"))
	assert.False(t, SanitizeQueryString("page=2&limit=10"))
}

func TestRedactedAttr(t *testing.T) {
	assert.Equal(t, "[REDACTED]", RedactedAttr("ip", "10.0.0.1", "production").Value.String())
	assert.Equal(t, "10.0.0.1", RedactedAttr("ip", "10.0.0.1", "development").Value.String())
}
