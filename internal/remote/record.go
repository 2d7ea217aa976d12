// Package remote fetches the authoritative user list.
//
// Sources return raw records and raw errors. Classification and translation
// into model.User happen in the sync repository. The one exception is an
// HTTP body cut off by the transport, which is returned already classified
// as a network failure. Payloads that do not decode wrap ErrMalformed.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/usersync/internal/model"
)

// Source is anything that can produce the full remote user list.
type Source interface {
	FetchAll(ctx context.Context) ([]UserRecord, error)
}

// UserRecord is the wire shape of a user.
type UserRecord struct {
	ID      int           `json:"id"`
	Name    string        `json:"name"`
	Email   string        `json:"email"`
	Phone   string        `json:"phone"`
	Address AddressRecord `json:"address"`
}

// AddressRecord is the wire shape of an address. Unknown fields such as
// geo are ignored on decode.
type AddressRecord struct {
	Street  string `json:"street"`
	Suite   string `json:"suite"`
	City    string `json:"city"`
	Zipcode string `json:"zipcode"`
}

// ErrInvalidRecord is wrapped by Validate failures.
var ErrInvalidRecord = errors.New("invalid user record")

// ErrMalformed is wrapped by payloads that do not decode to a user list.
// The decoder's own error is kept as text only, so a truncated payload never
// looks like a transport failure.
var ErrMalformed = errors.New("malformed user list")

// decodeList decodes a JSON array of records. A null payload is rejected
// rather than read as an empty list; [] is a valid empty list.
func decodeList(data []byte) ([]UserRecord, error) {
	var records *[]UserRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if records == nil {
		return nil, fmt.Errorf("%w: got null, want a JSON array", ErrMalformed)
	}
	if *records == nil {
		return []UserRecord{}, nil
	}
	return *records, nil
}

// Validate checks the fields the cache relies on.
func (r UserRecord) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidRecord, r.ID)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: user %d has no name", ErrInvalidRecord, r.ID)
	}
	return nil
}

// ToUser maps the record onto the domain type. Call Validate first.
func (r UserRecord) ToUser() model.User {
	return model.User{
		ID:    r.ID,
		Name:  r.Name,
		Email: r.Email,
		Phone: r.Phone,
		Address: model.Address{
			Street:  r.Address.Street,
			Suite:   r.Address.Suite,
			City:    r.Address.City,
			Zipcode: r.Address.Zipcode,
		},
	}
}

// FromUser is the inverse of ToUser.
func FromUser(u model.User) UserRecord {
	return UserRecord{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Phone: u.Phone,
		Address: AddressRecord{
			Street:  u.Address.Street,
			Suite:   u.Address.Suite,
			City:    u.Address.City,
			Zipcode: u.Address.Zipcode,
		},
	}
}
