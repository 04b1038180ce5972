package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodeHeader marshals v to base64 JSON for header and metadata values.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal header value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(s string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Authenticate renders the WWW-Authenticate value for a challenge.
func Authenticate(r *Requirements) string {
	return fmt.Sprintf(`%s version=%s network=%s`, AuthScheme,
		strconv.Quote(strconv.Itoa(r.X402Version)), strconv.Quote(r.Network))
}
