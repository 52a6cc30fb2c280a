package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeJob IDType = "job"
	IDTypeRun IDType = "run"
)

var validIDTypes = map[IDType]bool{
	IDTypeJob: true,
	IDTypeRun: true,
}

var idRegex = regexp.MustCompile(`^(job|run)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID builds a prefixed, sortable identifier: type, unix timestamp,
// and the leading eight hex digits of a v4 UUID.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u := uuid.NewString()
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), u[:8]), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
