package models

// Role is a field user's role.
type Role string

const (
	RoleDriver     Role = "driver"
	RoleChecker    Role = "checker"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// UserPayload is the synced state of a user profile.
type UserPayload struct {
	ID       string `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	FullName string `db:"full_name" json:"full_name,omitempty"`
	Role     Role   `db:"role" json:"role"`
	Phone    string `db:"phone" json:"phone,omitempty"`
}

func (UserPayload) Kind() PayloadKind {
	return KindUser
}

func (UserPayload) Table() string {
	return TableUsers
}

func (p UserPayload) Key() string {
	return p.ID
}

func (UserPayload) sealed() {}

// User is a user row with its sync metadata.
type User struct {
	UserPayload
	SyncMeta
}

// TableName returns the table name for User.
func (User) TableName() string {
	return TableUsers
}

func (u *User) RecordID() string {
	return u.ID
}

func (u *User) Snapshot() Payload {
	return u.UserPayload
}

func (u *User) Meta() *SyncMeta {
	return &u.SyncMeta
}

