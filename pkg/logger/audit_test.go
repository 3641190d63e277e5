package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestAuditLogger_LogAuthAttempt_Failure(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogAuthAttempt(AuditEvent{
		EventType:     "login_blocked",
		UserID:        "user-1",
		IPAddress:     "198.51.100.9",
		RiskLevel:     "critical",
		FailureReason: "high_risk",
		Metadata:      map[string]string{"factors": "new_ip,bad_ip"},
		Timestamp:     time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	})

	line := decodeLine(t, &buf)
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "auth", line["audit_type"])
	assert.Equal(t, "login_blocked", line["event_type"])
	assert.Equal(t, false, line["success"])
	assert.Equal(t, "critical", line["risk_level"])
	assert.Equal(t, "new_ip,bad_ip", line["factors"])
	assert.Equal(t, "2026-03-02T14:00:00Z", line["timestamp"])
}

func TestAuditLogger_LogAccountAction(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	al.LogAccountAction(AuditEvent{EventType: "mfa_enabled", UserID: "user-2"})

	line := decodeLine(t, &buf)
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "account", line["audit_type"])
	assert.Equal(t, true, line["success"])
	assert.NotContains(t, line, "ip_address")
}
