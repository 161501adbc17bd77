// Package voice tracks which users are present in which voice channel and
// the ephemeral relay id assigned to each of them.
package voice

import (
	"math/rand"
	"sync"
)

// Membership is one user's seat in a voice channel.
type Membership struct {
	ChannelID string
	VoiceID   uint16
}

// Registry maps channel id -> user id -> relay id. A user holds at most one
// seat at a time, and a channel entry never outlives its last participant.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[string]uint16
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[string]uint16)}
}

// Join assigns a fresh relay id for the user in the channel. If the user was
// already in a channel (the same or another), that seat is released first and
// returned so callers can announce the leave.
func (r *Registry) Join(channelID, userID string) (uint16, *Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.removeUserLocked(userID)

	voiceID := uint16(rand.Uint32())
	users, ok := r.channels[channelID]
	if !ok {
		users = make(map[string]uint16)
		r.channels[channelID] = users
	}
	users[userID] = voiceID
	return voiceID, prev
}

// Leave releases the user's seat in the channel. The second return is false
// when the user was not a participant.
func (r *Registry) Leave(channelID, userID string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.channels[channelID]
	if !ok {
		return 0, false
	}
	voiceID, ok := users[userID]
	if !ok {
		return 0, false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.channels, channelID)
	}
	return voiceID, true
}

// Find returns the channel the user currently occupies, if any.
func (r *Registry) Find(userID string) (string, uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channelID, users := range r.channels {
		if voiceID, ok := users[userID]; ok {
			return channelID, voiceID, true
		}
	}
	return "", 0, false
}

// Participants lists the users currently in a channel.
func (r *Registry) Participants(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.channels[channelID]
	out := make([]string, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	return out
}

// Snapshot copies the full mapping, used to seed a freshly authenticated
// client's view.
func (r *Registry) Snapshot() map[string]map[string]uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]uint16, len(r.channels))
	for channelID, users := range r.channels {
		cp := make(map[string]uint16, len(users))
		for userID, voiceID := range users {
			cp[userID] = voiceID
		}
		out[channelID] = cp
	}
	return out
}

func (r *Registry) removeUserLocked(userID string) *Membership {
	for channelID, users := range r.channels {
		if voiceID, ok := users[userID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(r.channels, channelID)
			}
			return &Membership{ChannelID: channelID, VoiceID: voiceID}
		}
	}
	return nil
}
