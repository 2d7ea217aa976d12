// Package model provides the domain types shared by the sync layers.
package model

import (
	"fmt"
	"sort"
)

// User is a cached directory entry. Values are replaced wholesale on every
// successful refresh and are never edited in place.
type User struct {
	ID      int     `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Email   string  `json:"email" yaml:"email"`
	Phone   string  `json:"phone" yaml:"phone"`
	Address Address `json:"address" yaml:"address"`
}

// Address is the postal address embedded in a User.
type Address struct {
	Street  string `json:"street" yaml:"street"`
	Suite   string `json:"suite" yaml:"suite"`
	City    string `json:"city" yaml:"city"`
	Zipcode string `json:"zipcode" yaml:"zipcode"`
}

// FullAddress returns the single-line form "street, suite, city zipcode".
func (a Address) FullAddress() string {
	return fmt.Sprintf("%s, %s, %s %s", a.Street, a.Suite, a.City, a.Zipcode)
}

// SortUsers orders users by name, breaking ties by id. This is the order every
// store emits, so callers can compare snapshots directly.
func SortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
}

// CloneUsers returns a copy of the slice so that snapshots handed to
// subscribers never share backing arrays with store state.
func CloneUsers(users []User) []User {
	out := make([]User, len(users))
	copy(out, users)
	return out
}
