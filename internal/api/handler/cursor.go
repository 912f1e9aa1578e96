package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/storage"
)

// DecodeJobCursor parses the opaque next_cursor of a job listing
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, invalidCursor("not base64")
	}

	// submitted_at in unix nanoseconds, then the job id
	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, invalidCursor("malformed")
	}

	var submittedAt int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &submittedAt); err != nil {
		return nil, invalidCursor("bad timestamp")
	}

	return &storage.JobCursor{
		SubmittedAt: time.Unix(0, submittedAt).UTC(),
		JobID:       decodedParts[1],
	}, nil
}

// EncodeJobCursor renders a cursor for the next_cursor field
func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmittedAt.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}

func invalidCursor(reason string) error {
	return &domain.ValidationError{Field: "cursor", Reason: reason}
}
