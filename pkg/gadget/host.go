package gadget

import (
	"context"
	"encoding/json"

	"github.com/baaaht/gadget/pkg/types"
)

// FileInfo describes the file open in the host, when the current view is file-specific.
// Fields the host sends beyond these are kept in Extra.
type FileInfo struct {
	Path  string         `json:"path,omitempty"`
	Site  string         `json:"site,omitempty"`
	Name  string         `json:"name,omitempty"`
	Type  string         `json:"type,omitempty"`
	Extra map[string]any `json:"-"`
}

// Location is the host application's location
type Location struct {
	Route string         `json:"route,omitempty"`
	URL   string         `json:"url,omitempty"`
	Extra map[string]any `json:"-"`
}

// GetCurrentFileInfo asks the host about the file currently open
func (g *Gadget) GetCurrentFileInfo(ctx context.Context) (*FileInfo, error) {
	payload, err := g.Request(ctx, types.RequestGetCurrentFileInfo, nil)
	if err != nil {
		return nil, err
	}

	var info FileInfo
	if err := DecodePayload(payload, &info); err != nil {
		return nil, err
	}
	info.Extra = extraFields(payload, "path", "site", "name", "type")
	return &info, nil
}

// InsertAtCursor asks the host to insert content at the cursor of the active editor
func (g *Gadget) InsertAtCursor(ctx context.Context, content string) error {
	_, err := g.Request(ctx, types.RequestInsertAtCursor, content)
	return err
}

// GetLocation asks the host for its current location. A bare string reply is taken as the route.
func (g *Gadget) GetLocation(ctx context.Context) (*Location, error) {
	payload, err := g.Request(ctx, types.RequestGetLocation, nil)
	if err != nil {
		return nil, err
	}

	if route, ok := payload.(string); ok {
		return &Location{Route: route}, nil
	}
	var loc Location
	if err := DecodePayload(payload, &loc); err != nil {
		return nil, err
	}
	loc.Extra = extraFields(payload, "route", "url")
	return &loc, nil
}

// SetLocation asks the host to navigate to route, the part of its location after the site name
func (g *Gadget) SetLocation(ctx context.Context, route string) error {
	if route == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "route cannot be empty")
	}
	_, err := g.Request(ctx, types.RequestSetLocation, route)
	return err
}

// DecodePayload converts a decoded payload into out, a pointer to a typed value
func DecodePayload(payload any, out any) error {
	if out == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "decode target cannot be nil")
	}
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalid, "payload is not JSON-compatible", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "payload does not match the expected shape", err)
	}
	return nil
}

// extraFields returns the object keys of payload not in known
func extraFields(payload any, known ...string) map[string]any {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	var extra map[string]any
	for k, v := range obj {
		if skip[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}
