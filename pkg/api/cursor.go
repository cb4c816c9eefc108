package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tdeslauriers/carapace/pkg/validate"
)

// Cursor is the composite sort key of the last row of a page.
// The next page holds every row strictly after it in the active direction.
type Cursor struct {
	DisplayAt  time.Time `json:"d"`
	UploadedAt time.Time `json:"u"`
	Id         string    `json:"i"`
}

// CursorOf builds the cursor for a photo.
func CursorOf(p Photo) Cursor {
	return Cursor{
		DisplayAt:  p.DisplayTimestamp().UTC(),
		UploadedAt: p.UploadedAt.UTC(),
		Id:         p.Id,
	}
}

// Encode renders the cursor as an opaque url-safe token.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c) // cannot fail: times and strings only
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (*Cursor, error) {

	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("cursor token is empty")
	}

	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("cursor token is not well-formed: %v", err)
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("cursor token is not well-formed: %v", err)
	}

	if !validate.IsValidUuid(c.Id) {
		return nil, fmt.Errorf("cursor token contains invalid id: %s", c.Id)
	}

	return &c, nil
}

// compareKeys orders two composite keys ascending: -1, 0 or 1.
func compareKeys(aDisplay, aUploaded time.Time, aId string, bDisplay, bUploaded time.Time, bId string) int {
	if c := aDisplay.Compare(bDisplay); c != 0 {
		return c
	}
	if c := aUploaded.Compare(bUploaded); c != 0 {
		return c
	}
	return strings.Compare(aId, bId)
}

// Precedes reports whether photo a is listed before photo b under the direction.
// The key (display timestamp, uploaded at, id) is a total order, so exactly one
// of Precedes(a, b) and Precedes(b, a) holds for distinct photos.
func Precedes(a, b Photo, dir SortDirection) bool {
	c := compareKeys(a.DisplayTimestamp(), a.UploadedAt, a.Id, b.DisplayTimestamp(), b.UploadedAt, b.Id)
	if dir == SortAsc {
		return c < 0
	}
	return c > 0
}

// Follows reports whether the photo is strictly after the cursor under the direction,
// ie, whether it belongs on a page requested with this cursor.
func (c Cursor) Follows(p Photo, dir SortDirection) bool {
	cmp := compareKeys(p.DisplayTimestamp(), p.UploadedAt, p.Id, c.DisplayAt, c.UploadedAt, c.Id)
	if dir == SortAsc {
		return cmp > 0
	}
	return cmp < 0
}
