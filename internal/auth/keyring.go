package auth

import (
	"context"
	"errors"
	"sync"
)

var ErrNoToken = errors.New("no token for user")

// Keyring holds the latest bearer token seen for each user so background
// attempts keep forwarding a token the user actually presented.
type Keyring struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewKeyring() *Keyring {
	return &Keyring{tokens: make(map[string]string)}
}

func (k *Keyring) Put(userID, token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tokens[userID] = token
}

func (k *Keyring) Forget(userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tokens, userID)
}

// For returns a token source bound to userID.
func (k *Keyring) For(userID string) UserToken {
	return UserToken{keyring: k, userID: userID}
}

type UserToken struct {
	keyring *Keyring
	userID  string
}

func (t UserToken) Token(context.Context) (string, error) {
	t.keyring.mu.RLock()
	defer t.keyring.mu.RUnlock()
	token, ok := t.keyring.tokens[t.userID]
	if !ok || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
