package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Intent is the decoded content of a transfer QR code.
type Intent struct {
	TransferID  string          `json:"txid"`
	SenderID    string          `json:"sUPI"`
	RecipientID string          `json:"rUPI"`
	Amount      decimal.Decimal `json:"amt"`
}

// DecodeIntent parses the text carried by a transfer QR code.
func DecodeIntent(data []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// Encode renders the intent as QR payload text.
func (in Intent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		TransferID  string  `json:"txid"`
		SenderID    string  `json:"sUPI"`
		RecipientID string  `json:"rUPI"`
		Amount      float64 `json:"amt"`
	}{in.TransferID, in.SenderID, in.RecipientID, in.Amount.InexactFloat64()})
}

// Validate checks that every field is present and the amount is usable.
func (in Intent) Validate() error {
	switch {
	case strings.TrimSpace(in.TransferID) == "":
		return fmt.Errorf("%w: txid", ErrMissingField)
	case strings.TrimSpace(in.SenderID) == "":
		return fmt.Errorf("%w: sender", ErrMissingField)
	case strings.TrimSpace(in.RecipientID) == "":
		return fmt.Errorf("%w: recipient", ErrMissingField)
	}
	if _, err := NormalizeAmount(in.Amount); err != nil {
		return err
	}
	return nil
}
