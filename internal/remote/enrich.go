package remote

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/zulandar/waypoint/internal/profile"
)

// ErrNoPrimaryUser is returned when a request needs user scoping but no
// primary user is cached.
var ErrNoPrimaryUser = errors.New("remote: no primary user cached")

// Header names carrying the user scope on outbound requests.
const (
	HeaderUserID   = "X-User-ID"
	HeaderBranchID = "X-Branch-ID"
)

// PrimaryUserReader is the slice of the profile cache enrichment needs.
type PrimaryUserReader interface {
	ReadPrimaryUserOnce(ctx context.Context) *profile.PrimaryUser
}

// Enrich stamps user_id and branch_id on a request payload.
func Enrich(ctx context.Context, r PrimaryUserReader, payload map[string]any) error {
	u := r.ReadPrimaryUserOnce(ctx)
	if u == nil {
		return ErrNoPrimaryUser
	}
	payload["user_id"] = u.UserID
	payload["branch_id"] = u.BranchID
	return nil
}

// EnrichRequest sets the user scope headers on req.
func EnrichRequest(r PrimaryUserReader, req *http.Request) error {
	u := r.ReadPrimaryUserOnce(req.Context())
	if u == nil {
		return ErrNoPrimaryUser
	}
	req.Header.Set(HeaderUserID, strconv.FormatInt(u.UserID, 10))
	req.Header.Set(HeaderBranchID, strconv.FormatInt(u.BranchID, 10))
	return nil
}
