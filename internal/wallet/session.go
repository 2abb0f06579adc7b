// Package wallet holds the device-side state of one signed-in user: the
// local balance and the sender and receiver journals.
package wallet

import (
	"fmt"
	"strings"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/kv"
)

// Storage keys inside a session scope.
const (
	balanceKey         = "balance"
	senderJournalKey   = "journal:sender"
	receiverJournalKey = "journal:receiver"
	settledKey         = "journal:settled"
)

// Session is created at login. Every piece of per-user state is derived from
// it, so two users on one device never see each other's journals.
type Session struct {
	UserID   string
	Balance  *BalanceStore
	Sent     *SenderJournal
	Received *ReceiverJournal
}

func NewSession(userID string, store kv.Store) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id", domain.ErrMissingField)
	}
	scoped := kv.Scope(store, userID)
	return &Session{
		UserID:   userID,
		Balance:  &BalanceStore{store: scoped},
		Sent:     &SenderJournal{store: scoped},
		Received: &ReceiverJournal{store: scoped},
	}, nil
}

// Owns reports whether account is the session user.
func (s *Session) Owns(account string) bool {
	return domain.SameAccount(s.UserID, account)
}
