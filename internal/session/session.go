// Package session holds the identity of the locally signed-in user.
//
// The user is passed explicitly to every component that needs it instead of
// living in ambient package state, so the call and signaling layers stay pure
// functions of their inputs.
package session

import "errors"

// UserSession identifies the local user for the lifetime of one agent run.
type UserSession struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Validate checks that the session is usable for signaling.
func (u UserSession) Validate() error {
	if u.UID == "" {
		return errors.New("session: empty uid")
	}
	return nil
}

// Name returns the display name, falling back to the UID.
func (u UserSession) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UID
}
