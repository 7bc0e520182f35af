package qwen

import (
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// OAuth endpoints for the Qwen device-authorization grant.
// Default values are used if environment variables are not set.
const (
	DefaultClientID       = "f0304373b74a44d2b584a3fb70ca9e56"
	DefaultDeviceEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	DefaultTokenEndpoint  = "https://chat.qwen.ai/api/v1/oauth2/token"
	DefaultScope          = "openid profile email model.completion"
)

// GetOAuthConfig returns the OAuth2 config for Qwen authentication.
// The grant uses no client secret; the client id rides in the form body.
func GetOAuthConfig() *oauth2.Config {
	clientID := os.Getenv("QWEN_CLIENT_ID")
	if clientID == "" {
		clientID = DefaultClientID
	}

	deviceEndpoint := os.Getenv("QWEN_DEVICE_CODE_ENDPOINT")
	if deviceEndpoint == "" {
		deviceEndpoint = DefaultDeviceEndpoint
	}

	tokenEndpoint := os.Getenv("QWEN_TOKEN_ENDPOINT")
	if tokenEndpoint == "" {
		tokenEndpoint = DefaultTokenEndpoint
	}

	scope := os.Getenv("QWEN_SCOPE")
	if scope == "" {
		scope = DefaultScope
	}

	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   strings.Fields(scope),
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: deviceEndpoint,
			TokenURL:      tokenEndpoint,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}
