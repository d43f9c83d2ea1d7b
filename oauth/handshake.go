package oauth

import (
	"encoding/json"
	"time"
)

// Handshake is the server-side half of an in-flight authorization-code
// flow, keyed by correlation id. The pkce verifier and expected nonce
// never leave this record; the browser only ever carries the correlation
// id and the signed state.
type Handshake struct {
	CorrelationID string
	PKCEVerifier  string
	SignedState   string
	Nonce         string
	ReturnTo      string
	CreatedAt     time.Time
	ConsumedAt    *time.Time
}

// Consumed reports whether the callback has already redeemed this
// handshake.
func (h *Handshake) Consumed() bool { return h.ConsumedAt != nil }

type handshakeBlob struct {
	CorrelationID string `json:"correlation_id"`
	PKCEVerifier  string `json:"pkce_verifier"`
	SignedState   string `json:"signed_state"`
	Nonce         string `json:"nonce"`
	ReturnTo      string `json:"return_to,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	ConsumedAt    int64  `json:"consumed_at,omitempty"`
}

func encodeHandshake(h *Handshake) ([]byte, error) {
	blob := handshakeBlob{
		CorrelationID: h.CorrelationID,
		PKCEVerifier:  h.PKCEVerifier,
		SignedState:   h.SignedState,
		Nonce:         h.Nonce,
		ReturnTo:      h.ReturnTo,
		CreatedAt:     h.CreatedAt.Unix(),
	}
	if h.ConsumedAt != nil {
		blob.ConsumedAt = h.ConsumedAt.Unix()
	}
	return json.Marshal(blob)
}

func decodeHandshake(data []byte) (*Handshake, error) {
	var blob handshakeBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	h := &Handshake{
		CorrelationID: blob.CorrelationID,
		PKCEVerifier:  blob.PKCEVerifier,
		SignedState:   blob.SignedState,
		Nonce:         blob.Nonce,
		ReturnTo:      blob.ReturnTo,
		CreatedAt:     time.Unix(blob.CreatedAt, 0),
	}
	if blob.ConsumedAt != 0 {
		t := time.Unix(blob.ConsumedAt, 0)
		h.ConsumedAt = &t
	}
	return h, nil
}
