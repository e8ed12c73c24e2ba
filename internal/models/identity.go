package models

// Role constants
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the authenticated principal bound to a request or connection
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// IsAdmin reports whether the identity may perform administrative actions
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
