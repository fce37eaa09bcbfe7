// Package token encodes and verifies QR redemption tokens.
//
// A token is a compact JWS signed with HMAC-SHA256 under a merchant key. The
// payload stays readable but any change to it breaks the tag.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"pointbrew/internal/merchant"
	"pointbrew/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

// maxTokenLen caps what a QR code can reasonably carry.
const maxTokenLen = 4096

// KeySource resolves merchant key material.
type KeySource interface {
	Key(merchantID, keyID string) ([]byte, error)
	SigningKey(merchantID string) (merchant.Key, error)
}

type claims struct {
	Kind     model.Kind `json:"knd"`
	Value    int64      `json:"val"`
	RewardID string     `json:"rwd,omitempty"`
	Notes    string     `json:"nts,omitempty"`
	jwt.RegisteredClaims
}

type Codec struct {
	keys   KeySource
	parser *jwt.Parser
}

func NewCodec(keys KeySource) *Codec {
	return &Codec{
		keys: keys,
		// Expiry is adjudicated (and recorded) by the engine, not rejected here.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Parse decodes raw and verifies its tag. Every failure wraps ErrInvalidToken.
func (c *Codec) Parse(raw string) (*model.RedemptionToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return nil, fmt.Errorf("%w: bad length", ErrInvalidToken)
	}

	var cl claims
	parsed, err := c.parser.ParseWithClaims(raw, &cl, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing key id")
		}
		return c.keys.Key(cl.Issuer, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	tok := &model.RedemptionToken{
		MerchantID: cl.Issuer,
		Kind:       cl.Kind,
		Value:      cl.Value,
		Nonce:      cl.ID,
		RewardID:   cl.RewardID,
		Notes:      cl.Notes,
	}
	tok.KeyID, _ = parsed.Header["kid"].(string)
	if cl.IssuedAt != nil {
		tok.IssuedAt = cl.IssuedAt.Time.UTC()
	}
	if cl.ExpiresAt != nil {
		tok.ExpiresAt = cl.ExpiresAt.Time.UTC()
	}

	if err := validate(tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return tok, nil
}

// Issue signs tok with the merchant's current key. Used by merchant terminals.
func (c *Codec) Issue(tok model.RedemptionToken) (string, error) {
	if err := validate(&tok); err != nil {
		return "", err
	}
	key, err := c.keys.SigningKey(tok.MerchantID)
	if err != nil {
		return "", err
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Kind:     tok.Kind,
		Value:    tok.Value,
		RewardID: tok.RewardID,
		Notes:    tok.Notes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tok.MerchantID,
			ID:        tok.Nonce,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	})
	t.Header["kid"] = key.ID
	return t.SignedString(key.Secret)
}

func validate(tok *model.RedemptionToken) error {
	switch {
	case tok.MerchantID == "":
		return errors.New("missing merchant")
	case tok.Nonce == "":
		return errors.New("missing nonce")
	case !tok.Kind.Valid():
		return fmt.Errorf("unknown kind %q", tok.Kind)
	case tok.Value <= 0:
		return errors.New("value must be positive")
	case tok.IssuedAt.IsZero() || tok.ExpiresAt.IsZero():
		return errors.New("missing issue or expiry time")
	case !tok.ExpiresAt.After(tok.IssuedAt):
		return errors.New("expiry must be after issuance")
	}
	return nil
}
