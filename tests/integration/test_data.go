package integration

import (
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// TestPassword satisfies the password strength rules
const TestPassword = "Tr1cky-Harbour-Lantern"

// BrowserUserAgent looks like an interactive client to risk assessment
const BrowserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// TestEmail generates a unique login identifier
func TestEmail(suffix string) string {
	return fmt.Sprintf("test-%d-%s@example.com", time.Now().UnixNano(), suffix)
}

// BrowserContext is a login from a known browser at ip
func BrowserContext(ip, fingerprint string) models.LoginContext {
	return models.LoginContext{
		IPAddress:         ip,
		UserAgent:         BrowserUserAgent,
		DeviceFingerprint: fingerprint,
	}
}
