package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.UUID{}, errors.New("id is required")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// sessionIDFromURI reads the id from a resource template match, falling back
// to the last path segment of uri.
func sessionIDFromURI(uri string, params map[string]string) (uuid.UUID, error) {
	if id := params["id"]; id != "" {
		return parseUUID(id)
	}
	return parseUUID(uri[strings.LastIndex(uri, "/")+1:])
}
