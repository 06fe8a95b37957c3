package models

import (
	"log/slog"

	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/privacy"
)

// OwnerKind discriminates the two cart addressing identities.
type OwnerKind string

const (
	OwnerGuest   OwnerKind = "guest"
	OwnerAccount OwnerKind = "account"
)

// Owner addresses a cart: either Guest(sessionToken) or Account(userID).
// Construct with Guest or Account; the zero value addresses nothing.
//
// An Account owner may carry the bearer credential the remote client presents
// to the backend. The credential never takes part in identity: two owners are
// the same owner when kind and id match.
type Owner struct {
	kind       OwnerKind
	token      id.SessionToken
	userID     id.UserID
	credential string
}

// Guest addresses the cart of an anonymous visitor.
func Guest(token id.SessionToken) Owner {
	return Owner{kind: OwnerGuest, token: token}
}

// Account addresses the durable cart of an authenticated user.
func Account(userID id.UserID) Owner {
	return Owner{kind: OwnerAccount, userID: userID}
}

// WithCredential returns a copy of an Account owner carrying a bearer
// credential. Guests are returned unchanged.
func (o Owner) WithCredential(credential string) Owner {
	if o.kind != OwnerAccount {
		return o
	}
	o.credential = credential
	return o
}

func (o Owner) Kind() OwnerKind { return o.kind }
func (o Owner) SessionToken() id.SessionToken { return o.token }
func (o Owner) UserID() id.UserID { return o.userID }
func (o Owner) Credential() string { return o.credential }
func (o Owner) IsGuest() bool { return o.kind == OwnerGuest }
func (o Owner) IsAccount() bool { return o.kind == OwnerAccount }
func (o Owner) IsZero() bool { return o.kind == "" }

// SameAs compares kind and id, ignoring credentials.
func (o Owner) SameAs(other Owner) bool {
	return o.Key() == other.Key()
}

// Key is the storage key of the owner's cart record.
func (o Owner) Key() string {
	switch o.kind {
	case OwnerGuest:
		return "guest:" + o.token.String()
	case OwnerAccount:
		return "account:" + o.userID.String()
	}
	return ""
}

// Redacted is a log- and audit-safe label: guest tokens are fingerprinted.
func (o Owner) Redacted() string {
	switch o.kind {
	case OwnerGuest:
		return "guest:" + privacy.FingerprintToken(o.token.String())
	case OwnerAccount:
		return "account:" + o.userID.String()
	}
	return "none"
}

// LogValue keeps raw session tokens and credentials out of structured logs.
func (o Owner) LogValue() slog.Value {
	return slog.StringValue(o.Redacted())
}

// Validate checks the owner addresses exactly one cart.
func (o Owner) Validate() error {
	switch o.kind {
	case OwnerGuest:
		if o.token.IsZero() {
			return dErrors.New(dErrors.CodeValidation, "guest owner requires a session token")
		}
	case OwnerAccount:
		if o.userID.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "account owner requires a user id")
		}
	default:
		return dErrors.New(dErrors.CodeValidation, "cart owner is required")
	}
	return nil
}
