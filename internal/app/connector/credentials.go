package connector

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SecretName is the Secrets Manager key holding a connector's provider token.
func SecretName(workspaceID string, id uuid.UUID) string {
	return fmt.Sprintf("connector-%s-%s", workspaceID, id)
}

func generateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashWebhookSecret returns the hex SHA-256 digest stored in place of the secret.
func HashWebhookSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(secret, storedHash string) bool {
	computed := HashWebhookSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// extractToken removes the "token" key from a config object and returns it
// separately so the credential never reaches the connector row.
func extractToken(config json.RawMessage) (json.RawMessage, string, error) {
	if len(config) == 0 {
		return json.RawMessage(`{}`), "", nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(config, &fields); err != nil {
		return nil, "", fmt.Errorf("%w: config must be a JSON object", ErrInvalidInput)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	var token string
	if raw, ok := fields["token"]; ok {
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, "", fmt.Errorf("%w: token must be a string", ErrInvalidInput)
		}
		delete(fields, "token")
	}

	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("encode config: %w", err)
	}
	return stripped, token, nil
}
