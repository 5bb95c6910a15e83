package models

import "time"

// Member roles within a family.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Family represents a group sharing one virtual account
type Family struct {
	ID          string
	Name        string
	AccountCode string
	MemberCount int
	Active      bool
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member represents the relationship between a user and a family
type Member struct {
	FamilyID     string
	UserID       string
	Role         string // RoleAdmin or RoleMember
	Relationship string
	JoinedAt     time.Time
}

// IsAdmin reports whether the member holds the admin role
func (m *Member) IsAdmin() bool {
	return m.Role == RoleAdmin
}

// Relationship links two users of the same family with a typed label.
// Rows are stored in both directions, each carrying its mirrored type.
type Relationship struct {
	FamilyID     string
	UserID       string
	RelativeID   string
	RelationType string
	CreatedAt    time.Time
}

// Supported relationship types
const (
	RelationParent   = "parent"
	RelationChild    = "child"
	RelationSpouse   = "spouse"
	RelationSibling  = "sibling"
	RelationGuardian = "guardian"
	RelationWard     = "ward"
	RelationOther    = "other"
)

var relationMirror = map[string]string{
	RelationParent:   RelationChild,
	RelationChild:    RelationParent,
	RelationSpouse:   RelationSpouse,
	RelationSibling:  RelationSibling,
	RelationGuardian: RelationWard,
	RelationWard:     RelationGuardian,
	RelationOther:    RelationOther,
}

// ValidRelationType reports whether t is a supported relationship type
func ValidRelationType(t string) bool {
	_, ok := relationMirror[t]
	return ok
}

// MirrorRelationType returns the inverse label stored on the other side
// of a relationship (parent<->child, guardian<->ward, symmetric otherwise)
func MirrorRelationType(t string) string {
	if m, ok := relationMirror[t]; ok {
		return m
	}
	return RelationOther
}
