// Package token mints LiveKit join tokens for whiteboard participants
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

const DefaultTTL = time.Hour

var (
	ErrMissingCredentials = errors.New("livekit api key and secret are required")
	ErrMissingRoom        = errors.New("room is required")
	ErrMissingIdentity    = errors.New("identity is required")
)

// Minter issues room tokens signed with one API key
type Minter struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewMinter creates a minter; a non-positive ttl uses DefaultTTL
func NewMinter(apiKey, apiSecret string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}
}

// Configured reports whether the minter has credentials
func (m *Minter) Configured() bool {
	return m.apiKey != "" && m.apiSecret != ""
}

// Mint returns a JWT that lets identity join room and exchange whiteboard data
func (m *Minter) Mint(room, identity string) (string, error) {
	if !m.Configured() {
		return "", ErrMissingCredentials
	}
	if room == "" {
		return "", ErrMissingRoom
	}
	if identity == "" {
		return "", ErrMissingIdentity
	}

	canPublish := true
	canSubscribe := true
	canPublishData := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	jwt, err := auth.NewAccessToken(m.apiKey, m.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(m.ttl).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign token for %s in %s: %w", identity, room, err)
	}
	return jwt, nil
}
