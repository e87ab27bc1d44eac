package channels

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const pairingCodeTTL = 10 * time.Minute

// PairingRequest is a pending pairing code issued to an unknown sender.
type PairingRequest struct {
	Code      string    `json:"code"`
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	ChatID    string    `json:"chat_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pairingState struct {
	Approved map[string][]string       `json:"approved"` // channel -> sender ids
	Pending  map[string]PairingRequest `json:"pending"`  // code -> request
}

// PairingService tracks which senders may talk to pairing-policy channels.
// State persists to workspace/.pairing.json via write-rename.
type PairingService struct {
	path string

	mu    sync.Mutex
	state pairingState
	now   func() time.Time
}

func NewPairingService(workspace string) (*PairingService, error) {
	ps := &PairingService{
		path: filepath.Join(workspace, ".pairing.json"),
		state: pairingState{
			Approved: make(map[string][]string),
			Pending:  make(map[string]PairingRequest),
		},
		now: time.Now,
	}
	data, err := os.ReadFile(ps.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ps, nil
		}
		return nil, fmt.Errorf("read pairing state: %w", err)
	}
	if err := json.Unmarshal(data, &ps.state); err != nil {
		return nil, fmt.Errorf("parse pairing state: %w", err)
	}
	if ps.state.Approved == nil {
		ps.state.Approved = make(map[string][]string)
	}
	if ps.state.Pending == nil {
		ps.state.Pending = make(map[string]PairingRequest)
	}
	return ps, nil
}

// IsApproved reports whether a sender has completed pairing on a channel.
func (ps *PairingService) IsApproved(channel, senderID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, id := range ps.state.Approved[channel] {
		if id == senderID {
			return true
		}
	}
	return false
}

// Issue creates (or refreshes) a pairing code for a sender. Repeated messages
// from the same sender reuse the outstanding code.
func (ps *PairingService) Issue(channel, senderID, chatID string) (PairingRequest, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.expireLocked()

	for _, req := range ps.state.Pending {
		if req.Channel == channel && req.SenderID == senderID {
			return req, nil
		}
	}

	code, err := pairingCode()
	if err != nil {
		return PairingRequest{}, err
	}
	req := PairingRequest{
		Code:      code,
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		IssuedAt:  ps.now().UTC(),
		ExpiresAt: ps.now().UTC().Add(pairingCodeTTL),
	}
	ps.state.Pending[code] = req
	return req, ps.persistLocked()
}

// Approve redeems a code, marking its sender as approved.
func (ps *PairingService) Approve(code string) (PairingRequest, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.expireLocked()

	req, ok := ps.state.Pending[code]
	if !ok {
		return PairingRequest{}, fmt.Errorf("unknown or expired pairing code")
	}
	delete(ps.state.Pending, code)
	ps.state.Approved[req.Channel] = append(ps.state.Approved[req.Channel], req.SenderID)
	return req, ps.persistLocked()
}

// Revoke removes an approved sender from a channel.
func (ps *PairingService) Revoke(channel, senderID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ids := ps.state.Approved[channel]
	out := ids[:0]
	for _, id := range ids {
		if id != senderID {
			out = append(out, id)
		}
	}
	ps.state.Approved[channel] = out
	return ps.persistLocked()
}

// Pending lists outstanding codes, oldest first.
func (ps *PairingService) Pending() []PairingRequest {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.expireLocked()

	out := make([]PairingRequest, 0, len(ps.state.Pending))
	for _, req := range ps.state.Pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Approved lists approved senders for a channel.
func (ps *PairingService) Approved(channel string) []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.state.Approved[channel]...)
}

// expireLocked drops stale codes. Caller holds mu.
func (ps *PairingService) expireLocked() {
	now := ps.now()
	for code, req := range ps.state.Pending {
		if now.After(req.ExpiresAt) {
			delete(ps.state.Pending, code)
		}
	}
}

// persistLocked writes state atomically. Caller holds mu.
func (ps *PairingService) persistLocked() error {
	data, err := json.MarshalIndent(ps.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := ps.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, ps.path)
}

// pairingCode returns an 8-character uppercase code.
func pairingCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i := range raw {
		raw[i] = alphabet[int(raw[i])%len(alphabet)]
	}
	return string(raw), nil
}
