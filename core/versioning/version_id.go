package versioning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	timestampDigits = 19
	suffixLength    = 12
)

var ErrMalformedVersionID = errors.New("malformed version id")

// VersionID is a lexicographically sortable version identifier: a zero-padded
// UTC nanosecond timestamp followed by a random suffix.
type VersionID string

func NewVersionID(at time.Time) VersionID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
	return VersionID(fmt.Sprintf("%0*d-%s", timestampDigits, at.UTC().UnixNano(), suffix))
}

func (v VersionID) Timestamp() (time.Time, error) {
	prefix, _, ok := strings.Cut(string(v), "-")
	if !ok || len(prefix) != timestampDigits {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedVersionID, string(v))
	}
	nanos, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedVersionID, string(v))
	}
	return time.Unix(0, nanos).UTC(), nil
}
