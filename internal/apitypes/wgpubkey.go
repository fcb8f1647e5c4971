package apitypes

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the key as standard base64, matching the WireGuard
// ecosystem convention used by `wg` and every client UI.
func (k WgPubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(k[:]))
}

func (k *WgPubkey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("wgpubkey: invalid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("wgpubkey: expected 32 bytes, got %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

func (k WgPubkey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}
