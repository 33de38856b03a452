package helper

import (
	"crypto/rand"

	"github.com/oklog/ulid"
)

// GenerateRequestID returns a sortable unique id for correlating one
// request or validation attempt across log lines.
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
