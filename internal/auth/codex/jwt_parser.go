package codex

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// IDTokenClaims is the subset of OpenAI id_token claims the relay reads.
type IDTokenClaims struct {
	Email        string
	AccountID    string
	PlanType     string
	Organization string
}

const openAIAuthClaim = "https://api.openai.com/auth"

// ParseIDToken decodes the id_token payload without verifying the signature.
func ParseIDToken(idToken string) (*IDTokenClaims, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, fmt.Errorf("id token is empty")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("parse id token: %w", err)
	}
	out := &IDTokenClaims{}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if auth, ok := claims[openAIAuthClaim].(map[string]any); ok {
		if v, ok := auth["chatgpt_account_id"].(string); ok {
			out.AccountID = v
		}
		if v, ok := auth["chatgpt_plan_type"].(string); ok {
			out.PlanType = v
		}
		if v, ok := auth["organization_id"].(string); ok {
			out.Organization = v
		}
	}
	return out, nil
}
