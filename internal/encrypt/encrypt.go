// Package encrypt is the boundary where record fields are turned into the
// opaque payload stored alongside each record.
package encrypt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Fields are the plaintext values handed to the encryptor.
type Fields struct {
	Name      string  `json:"name"`
	Liquidity float64 `json:"liquidity"`
	RiskScore int     `json:"riskScore"`
}

// Encryptor produces the opaque payload. Callers never inspect the result.
type Encryptor interface {
	Encrypt(ctx context.Context, f Fields) (string, error)
}

// PlaceholderPrefix marks payloads produced by Placeholder.
const PlaceholderPrefix = "FHE:"

// Placeholder encodes the fields as base64 JSON behind PlaceholderPrefix.
// It provides no confidentiality.
type Placeholder struct{}

func (Placeholder) Encrypt(ctx context.Context, f Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return PlaceholderPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePlaceholder reverses Placeholder for diagnostics.
func DecodePlaceholder(payload string) (Fields, error) {
	body, ok := strings.CutPrefix(payload, PlaceholderPrefix)
	if !ok {
		return Fields{}, fmt.Errorf("payload is not a placeholder")
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Fields{}, fmt.Errorf("decode placeholder: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return Fields{}, fmt.Errorf("decode placeholder: %w", err)
	}
	return f, nil
}

// Func adapts a function to Encryptor.
type Func func(ctx context.Context, f Fields) (string, error)

func (fn Func) Encrypt(ctx context.Context, f Fields) (string, error) { return fn(ctx, f) }

var (
	_ Encryptor = Placeholder{}
	_ Encryptor = Func(nil)
)
