package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
)

const pushVAPIDKeysMetaKey = "web_push_vapid_keys"

type pushVAPIDKeys struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EnsurePushVAPIDKeys returns the VAPID keypair stored in db, generating and
// storing one on first use.
func EnsurePushVAPIDKeys(db *statedb.StateDB) (publicKey, privateKey string, generated bool, err error) {
	if keys, loadErr := loadPushVAPIDKeys(db); loadErr != nil {
		return "", "", false, loadErr
	} else if keys != nil {
		return keys.PublicKey, keys.PrivateKey, false, nil
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}

	keys := &pushVAPIDKeys{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		CreatedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return "", "", false, fmt.Errorf("marshal vapid keys: %w", err)
	}
	if err := db.SetMeta(pushVAPIDKeysMetaKey, string(raw)); err != nil {
		return "", "", false, fmt.Errorf("store vapid keys: %w", err)
	}
	return keys.PublicKey, keys.PrivateKey, true, nil
}

// loadPushVAPIDKeys returns nil, nil when no keypair is stored yet.
func loadPushVAPIDKeys(db *statedb.StateDB) (*pushVAPIDKeys, error) {
	raw, err := db.GetMeta(pushVAPIDKeysMetaKey)
	if err != nil {
		return nil, fmt.Errorf("read vapid keys: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	var keys pushVAPIDKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("parse vapid keys: %w", err)
	}
	keys.PublicKey = strings.TrimSpace(keys.PublicKey)
	keys.PrivateKey = strings.TrimSpace(keys.PrivateKey)
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, fmt.Errorf("stored vapid keys are missing required values")
	}
	return &keys, nil
}
