package commands

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// parseRef parses a "workspace/resource" pair of UUIDs.
func parseRef(ref string) (uuid.UUID, uuid.UUID, error) {
	ws, id, ok := strings.Cut(ref, "/")
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid reference %q: expected <workspace>/<resource>", ref)
	}
	workspaceID, err := uuid.Parse(ws)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid workspace id %q: %w", ws, err)
	}
	resourceID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid resource id %q: %w", id, err)
	}
	return workspaceID, resourceID, nil
}

// parseOptionalID parses id, returning uuid.Nil for "".
func parseOptionalID(name, id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.Nil, nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, id, err)
	}
	return parsed, nil
}
