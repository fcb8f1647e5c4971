package config

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

// WireGuardKeyCache implements spec.md §4.C: a single current secret key,
// first-use/registration timestamps, and a pending-deregistration list of
// old public keys. Grounded field-for-field on original_source
// rustlib/src/config/persistence.rs::WireGuardKeyCache.
type WireGuardKeyCache struct {
	secretKey     [32]byte
	firstUse      *time.Time
	registeredAt  *time.Time
	oldPublicKeys []apitypes.WgPubkey
}

func newWireGuardKeyCache() WireGuardKeyCache {
	return WireGuardKeyCache{secretKey: newSecretKey()}
}

type wireGuardKeyCacheJSON struct {
	SecretKey     string               `json:"secretKey"`
	FirstUse      *time.Time           `json:"firstUse,omitempty"`
	RegisteredAt  *time.Time           `json:"registeredAt,omitempty"`
	OldPublicKeys []apitypes.WgPubkey  `json:"oldPublicKeys"`
}

func (k WireGuardKeyCache) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireGuardKeyCacheJSON{
		SecretKey:     base64.StdEncoding.EncodeToString(k.secretKey[:]),
		FirstUse:      k.firstUse,
		RegisteredAt:  k.registeredAt,
		OldPublicKeys: k.oldPublicKeys,
	})
}

func (k *WireGuardKeyCache) UnmarshalJSON(data []byte) error {
	var j wireGuardKeyCacheJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(j.SecretKey)
	if err != nil || len(raw) != 32 {
		// Structurally invalid secret key: fall back to a freshly generated
		// one rather than failing the whole field — losing this key just
		// means one extra rotation, which is safe.
		*k = newWireGuardKeyCache()
		return nil
	}
	var sk [32]byte
	copy(sk[:], raw)
	*k = WireGuardKeyCache{
		secretKey:     sk,
		firstUse:      j.FirstUse,
		registeredAt:  j.RegisteredAt,
		oldPublicKeys: j.OldPublicKeys,
	}
	return nil
}

func publicKeyFrom(secret [32]byte) apitypes.WgPubkey {
	var pub apitypes.WgPubkey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), &secret)
	return pub
}

// UseCurrent returns the current (secret, public) key pair, recording the
// first-use timestamp if this is the first time it has been used.
func (k *WireGuardKeyCache) UseCurrent() (secret [32]byte, public apitypes.WgPubkey) {
	now := time.Now()
	if k.firstUse == nil {
		k.firstUse = &now
	}
	return k.secretKey, publicKeyFrom(k.secretKey)
}

// RotateNow pushes the current public key into the old-key list, generates
// a fresh secret, and clears both timestamps.
func (k *WireGuardKeyCache) RotateNow() {
	old := publicKeyFrom(k.secretKey)
	k.oldPublicKeys = append(k.oldPublicKeys, old)
	k.secretKey = newSecretKey()
	k.firstUse = nil
	k.registeredAt = nil
}

// MaxKeyAge is how long after its first use a key is kept before
// RotateIfRequired rotates it, per spec.md §4.C ("~30 days of first use").
const MaxKeyAge = 30 * 24 * time.Hour

// RotateIfRequired rotates the key if its first-use timestamp is older than
// MaxKeyAge.
func (k *WireGuardKeyCache) RotateIfRequired() {
	if k.firstUse != nil && time.Since(*k.firstUse) > MaxKeyAge {
		k.RotateNow()
	}
}

// NeedRegistration returns the current public key and pending old keys if
// the current key has never been registered with the server.
func (k *WireGuardKeyCache) NeedRegistration() (current apitypes.WgPubkey, old []apitypes.WgPubkey, needed bool) {
	if k.registeredAt != nil {
		return apitypes.WgPubkey{}, nil, false
	}
	oldCopy := make([]apitypes.WgPubkey, len(k.oldPublicKeys))
	copy(oldCopy, k.oldPublicKeys)
	return publicKeyFrom(k.secretKey), oldCopy, true
}

// MarkRegistered records the registration timestamp and drops any old keys
// the server has acknowledged deregistering.
func (k *WireGuardKeyCache) MarkRegistered(removedOld []apitypes.WgPubkey) {
	now := time.Now()
	k.registeredAt = &now
	if len(removedOld) == 0 {
		return
	}
	removed := make(map[apitypes.WgPubkey]bool, len(removedOld))
	for _, pk := range removedOld {
		removed[pk] = true
	}
	kept := k.oldPublicKeys[:0]
	for _, pk := range k.oldPublicKeys {
		if !removed[pk] {
			kept = append(kept, pk)
		}
	}
	k.oldPublicKeys = kept
}

// FirstUse returns the first-use timestamp, or nil if the key has never
// been used.
func (k *WireGuardKeyCache) FirstUse() *time.Time { return k.firstUse }

// RegisteredAt returns the registration timestamp, or nil if unregistered.
func (k *WireGuardKeyCache) RegisteredAt() *time.Time { return k.registeredAt }

// OldPublicKeys returns the pending-deregistration list.
func (k *WireGuardKeyCache) OldPublicKeys() []apitypes.WgPubkey {
	out := make([]apitypes.WgPubkey, len(k.oldPublicKeys))
	copy(out, k.oldPublicKeys)
	return out
}

// CurrentPublic returns the current public key without mutating first-use.
func (k *WireGuardKeyCache) CurrentPublic() apitypes.WgPubkey {
	return publicKeyFrom(k.secretKey)
}
