package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned when a user or workspace id cannot be used
// as a path segment.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Identifiers end up as directory names, so they must start with an
// alphanumeric (no leading dots) and stay within a conservative charset.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Identity is either Identified or Anonymous. Branch on it with a type switch.
type Identity interface {
	isIdentity()
	String() string
}

// Identified is a session opened on behalf of a known user and workspace.
type Identified struct {
	UserID      string
	WorkspaceID string
}

// Anonymous is a session with no user or workspace attached.
type Anonymous struct{}

func (Identified) isIdentity() {}
func (Anonymous) isIdentity()  {}

func (i Identified) String() string { return i.UserID + "/" + i.WorkspaceID }

func (Anonymous) String() string { return "anonymous" }

// FromRequest builds an Identity from the optional ids a client sends.
// Both ids present means Identified (after validation); anything else is
// Anonymous, since a workspace can't be located from half an identity.
func FromRequest(userID, workspaceID string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	workspaceID = strings.TrimSpace(workspaceID)
	if userID == "" || workspaceID == "" {
		return Anonymous{}, nil
	}
	if err := ValidateID(userID); err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	if err := ValidateID(workspaceID); err != nil {
		return nil, fmt.Errorf("workspace id: %w", err)
	}
	return Identified{UserID: userID, WorkspaceID: workspaceID}, nil
}

// ValidateID checks that id is safe to use as a single path segment.
func ValidateID(id string) error {
	if !identifierRe.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// UserID returns the user id, or "" for anonymous sessions.
func UserID(id Identity) string {
	switch v := id.(type) {
	case Identified:
		return v.UserID
	default:
		return ""
	}
}
