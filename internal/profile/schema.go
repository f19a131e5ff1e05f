package profile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/waypoint/internal/kvstore"
)

// Namespaces owned by the profile cache.
const (
	NamespaceUser       kvstore.Namespace = "primary-user/preferences"
	NamespaceFieldAgent kvstore.Namespace = "field-agent"
)

// Keys of the primary user record, stored in NamespaceUser.
const (
	keyUserID   = "user_id"
	keyUserName = "user_name"
	keyMobile   = "mobile"
	keyCategory = "category"
	keyBranchID = "branch_id"
	keyPassword = "password"
)

// Keys of the preference flags, also stored in NamespaceUser.
const (
	keyOnboardingCompleted = "onboarding_completed"
	keyIsLoggedIn          = "is_logged_in"
	keyBaseURL             = "base_url"
)

// Keys of the field agent record, stored in NamespaceFieldAgent.
const (
	keyIsFieldAgent = "is_field_agent"
	keyAgentID      = "agent_id"
	keyAgentUserID  = "agent_user_id"
	keyBadgeID      = "badge_id"
	keyRegion       = "region"
	keyNotes        = "notes"
	keyCreatedAt    = "created_at"
	keyUpdatedAt    = "updated_at"
)

var primaryUserKeys = []string{keyUserID, keyUserName, keyMobile, keyCategory, keyBranchID, keyPassword}

var fieldAgentKeys = []string{
	keyIsFieldAgent, keyAgentID, keyAgentUserID, keyBadgeID,
	keyRegion, keyNotes, keyCreatedAt, keyUpdatedAt,
}

// PrimaryUser is the signed-in operational user. It is distinct from the
// identity reported by the auth provider.
type PrimaryUser struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Mobile   string `json:"mobile"`
	Category string `json:"category"`
	BranchID int64  `json:"branch_id"`
	Password string `json:"-"`
}

// FieldAgent is the secondary profile of a user who is also a field agent.
type FieldAgent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	BadgeID   string    `json:"badge_id"`
	Region    string    `json:"region"`
	Notes     *string   `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal compares two agents field by field, using time.Equal for timestamps.
func (a FieldAgent) Equal(b FieldAgent) bool {
	if a.ID != b.ID || a.UserID != b.UserID || a.BadgeID != b.BadgeID || a.Region != b.Region {
		return false
	}
	if (a.Notes == nil) != (b.Notes == nil) || (a.Notes != nil && *a.Notes != *b.Notes) {
		return false
	}
	return a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}

// Preferences are app-level flags that survive logout.
type Preferences struct {
	OnboardingCompleted bool   `json:"onboarding_completed"`
	IsLoggedIn          bool   `json:"is_logged_in"`
	BaseURL             string `json:"base_url,omitempty"`
}

func encodeInt(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }

func encodeBool(v bool) []byte { return []byte(strconv.FormatBool(v)) }

func encodeTime(v time.Time) []byte { return []byte(v.UTC().Format(time.RFC3339Nano)) }

func decodeInt(snap kvstore.Snapshot, key string) (int64, error) {
	v, err := strconv.ParseInt(string(snap[key]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// decodeBool treats a missing key as false.
func decodeBool(snap kvstore.Snapshot, key string) (bool, error) {
	raw, ok := snap[key]
	if !ok {
		return false, nil
	}
	v, err := strconv.ParseBool(string(raw))
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func decodeTime(snap kvstore.Snapshot, key string) (time.Time, error) {
	raw, ok := snap[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: missing", key)
	}
	v, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func decodeString(snap kvstore.Snapshot, key string) (string, error) {
	raw, ok := snap[key]
	if !ok {
		return "", fmt.Errorf("%s: missing", key)
	}
	return string(raw), nil
}

// decodePrimaryUser returns nil when the user id or branch id is absent.
func decodePrimaryUser(snap kvstore.Snapshot) (*PrimaryUser, error) {
	if !snap.Has(keyUserID) || !snap.Has(keyBranchID) {
		return nil, nil
	}
	userID, err := decodeInt(snap, keyUserID)
	if err != nil {
		return nil, err
	}
	branchID, err := decodeInt(snap, keyBranchID)
	if err != nil {
		return nil, err
	}
	return &PrimaryUser{
		UserID:   userID,
		Name:     string(snap[keyUserName]),
		Mobile:   string(snap[keyMobile]),
		Category: string(snap[keyCategory]),
		BranchID: branchID,
		Password: string(snap[keyPassword]),
	}, nil
}

func encodePrimaryUser(u PrimaryUser) map[string][]byte {
	return map[string][]byte{
		keyUserID:   encodeInt(u.UserID),
		keyUserName: []byte(u.Name),
		keyMobile:   []byte(u.Mobile),
		keyCategory: []byte(u.Category),
		keyBranchID: encodeInt(u.BranchID),
		keyPassword: []byte(u.Password),
	}
}

// decodeFieldAgent returns nil unless the presence flag is set. Once the flag
// is set every field must decode.
func decodeFieldAgent(snap kvstore.Snapshot) (*FieldAgent, error) {
	present, err := decodeIsFieldAgent(snap)
	if err != nil || !present {
		return nil, err
	}
	var a FieldAgent
	if a.ID, err = decodeString(snap, keyAgentID); err != nil {
		return nil, err
	}
	if a.UserID, err = decodeString(snap, keyAgentUserID); err != nil {
		return nil, err
	}
	if a.BadgeID, err = decodeString(snap, keyBadgeID); err != nil {
		return nil, err
	}
	if a.Region, err = decodeString(snap, keyRegion); err != nil {
		return nil, err
	}
	if raw, ok := snap[keyNotes]; ok {
		notes := string(raw)
		a.Notes = &notes
	}
	if a.CreatedAt, err = decodeTime(snap, keyCreatedAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = decodeTime(snap, keyUpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func decodeIsFieldAgent(snap kvstore.Snapshot) (bool, error) {
	return decodeBool(snap, keyIsFieldAgent)
}

func encodeFieldAgent(a FieldAgent) kvstore.Mutation {
	m := kvstore.Mutation{Set: map[string][]byte{
		keyIsFieldAgent: encodeBool(true),
		keyAgentID:      []byte(a.ID),
		keyAgentUserID:  []byte(a.UserID),
		keyBadgeID:      []byte(a.BadgeID),
		keyRegion:       []byte(a.Region),
		keyCreatedAt:    encodeTime(a.CreatedAt),
		keyUpdatedAt:    encodeTime(a.UpdatedAt),
	}}
	if a.Notes != nil {
		m.Set[keyNotes] = []byte(*a.Notes)
	} else {
		m.Remove = []string{keyNotes}
	}
	return m
}

func decodePreferences(snap kvstore.Snapshot) (Preferences, error) {
	var p Preferences
	var err error
	if p.OnboardingCompleted, err = decodeBool(snap, keyOnboardingCompleted); err != nil {
		return Preferences{}, err
	}
	if p.IsLoggedIn, err = decodeBool(snap, keyIsLoggedIn); err != nil {
		return Preferences{}, err
	}
	p.BaseURL = string(snap[keyBaseURL])
	return p, nil
}
