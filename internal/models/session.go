package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type WebAuthnSession struct {
	Key       string                `json:"key"`
	Data      *webauthn.SessionData `json:"data"`
	ExpiresAt time.Time             `json:"expiresAt"`
}
