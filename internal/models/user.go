package models

// User identifies the authenticated owner of a notification session.
type User struct {
	ID    string `json:"id"`
	Token string `json:"-"`
}
