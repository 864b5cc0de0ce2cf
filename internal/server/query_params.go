package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var errInvalidID = errors.New("invalid_id")

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, errInvalidID
	}
	return parsed, nil
}

// parsePageSize accepts page_size with limit as an alias. Zero means the
// service default.
func parsePageSize(pageSize, limit string) (int, error) {
	raw := strings.TrimSpace(pageSize)
	if raw == "" {
		raw = strings.TrimSpace(limit)
	}
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid_page_size")
	}
	return parsed, nil
}
