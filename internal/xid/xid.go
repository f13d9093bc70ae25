package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// AssignmentNumber builds a human-readable assignment number from the
// allocation day plus a random suffix, e.g. ASG-20260901-3F2A. Collisions are
// possible but accepted as a low-probability risk; callers do not retry.
func AssignmentNumber(day time.Time) string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ASG-%s-%04d", day.Format("20060102"), time.Now().UnixNano()%10000)
	}
	return fmt.Sprintf("ASG-%s-%s", day.Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}
