package identity

import "strings"

// UserIdentifier selects a user either by email or by id.
type UserIdentifier struct {
	email string
	id    string
}

// ByEmail identifies a user by (case-insensitive) email.
func ByEmail(email string) UserIdentifier {
	return UserIdentifier{email: strings.ToLower(strings.TrimSpace(email))}
}

// ByID identifies a user by id.
func ByID(id string) UserIdentifier {
	return UserIdentifier{id: strings.TrimSpace(id)}
}

// Email returns the email and whether the identifier is an email.
func (u UserIdentifier) Email() (string, bool) { return u.email, u.email != "" }

// ID returns the id and whether the identifier is an id.
func (u UserIdentifier) ID() (string, bool) { return u.id, u.id != "" }

func (u UserIdentifier) String() string {
	if u.email != "" {
		return "email:" + u.email
	}
	return "id:" + u.id
}
