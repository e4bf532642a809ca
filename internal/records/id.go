package records

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idSuffixLen = 9

// NewID returns a time-ordered identifier: unix milliseconds, a dash, and a
// random hex suffix.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix[:idSuffixLen]
}
