package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/harun/deskchat/internal/observability"
)

// SecretHeader carries the shared secret on /rpc requests.
const SecretHeader = "X-Deskchat-Secret"

// maxAuthAttempts is the number of bad signatures before a client is dropped.
const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication. With an empty
// shared secret every client is trusted.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Required reports whether clients must authenticate.
func (a *AuthHandler) Required() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// VerifySecret checks a secret presented in the /rpc header.
func (a *AuthHandler) VerifySecret(ctx context.Context, presented, remote string) bool {
	if !a.Required() {
		return true
	}
	ok := subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
	if !ok {
		observability.RecordSecurityAudit(ctx, "gateway:rpc_auth", remote, "denied", nil)
	}
	return ok
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(ctx context.Context, client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{
			Event:   "auth.failure",
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		observability.RecordSecurityAudit(ctx, "gateway:ws_auth", client.ID, "denied",
			map[string]any{"attempts": client.AuthAttempts, "ip": client.IPAddress})

		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{
				Event:   "auth.failure",
				Message: "Too many failed attempts",
			}
		}
		return AuthResult{
			Event:   "auth.failure",
			Message: "Invalid signature",
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	observability.RecordSecurityAudit(ctx, "gateway:ws_auth", client.ID, "success", nil)

	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}
