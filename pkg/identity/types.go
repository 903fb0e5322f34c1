package identity

import (
	"context"
	"time"
)

// User is a human principal. PasswordHash never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ExternalID   string    `json:"externalId,omitempty"`
	IsAdmin      bool      `json:"isAdmin"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ServiceAccount is a machine principal authenticating with a secret key
type ServiceAccount struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsAdmin       bool      `json:"isAdmin"`
	SecretKeyHash string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Group collects users so resources can be shared with all of them
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GroupMember is a user's membership in a group
type GroupMember struct {
	GroupID        string    `json:"groupId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	UserExternalID string    `json:"userExternalId,omitempty"`
	IsAdmin        bool      `json:"isAdmin"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error)
	// DeleteUser also removes the user's group memberships
	DeleteUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, fn func(*User) error) error
}

// ServiceAccountStore persists service accounts
type ServiceAccountStore interface {
	CreateServiceAccount(ctx context.Context, sa *ServiceAccount) error
	GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error)
	UpdateServiceAccount(ctx context.Context, id string, fn func(*ServiceAccount) error) (*ServiceAccount, error)
	DeleteServiceAccount(ctx context.Context, id string) (*ServiceAccount, error)
	ListServiceAccounts(ctx context.Context, fn func(*ServiceAccount) error) error
}

// GroupStore persists groups and memberships
type GroupStore interface {
	// CreateGroup stores g and, when admin is set, makes that user its
	// first group admin
	CreateGroup(ctx context.Context, g *Group, admin string) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	UpdateGroup(ctx context.Context, id string, fn func(*Group) error) (*Group, error)
	DeleteGroup(ctx context.Context, id string) (*Group, error)
	// ListGroups lists every group, or those userID belongs to when set
	ListGroups(ctx context.Context, userID string, fn func(*Group) error) error

	AddMember(ctx context.Context, groupID, userID string, isAdmin bool, joinedAt time.Time) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	// Member returns NotFound when userID is not in the group
	Member(ctx context.Context, groupID, userID string) (*GroupMember, error)
	ListMembers(ctx context.Context, groupID string, fn func(*GroupMember) error) error
	// GroupsOf returns the ids of the groups userID belongs to
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// Store is everything the identity provider persists
type Store interface {
	UserStore
	ServiceAccountStore
	GroupStore
}
