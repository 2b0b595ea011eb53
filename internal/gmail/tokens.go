package gmail

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"sortbox/internal/credential"
)

// TokenStore persists the OAuth token between sessions.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
	Delete() error
}

// Secrets is the subset of credential.Ring the token store needs.
type Secrets interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// KeyringTokens keeps the token as JSON under credential.KeyGmailToken.
type KeyringTokens struct {
	secrets Secrets
}

func NewKeyringTokens(s Secrets) *KeyringTokens {
	return &KeyringTokens{secrets: s}
}

func (k *KeyringTokens) Load() (*oauth2.Token, error) {
	raw, err := k.secrets.Get(credential.KeyGmailToken)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

func (k *KeyringTokens) Save(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return k.secrets.Set(credential.KeyGmailToken, string(b))
}

func (k *KeyringTokens) Delete() error {
	return k.secrets.Delete(credential.KeyGmailToken)
}
