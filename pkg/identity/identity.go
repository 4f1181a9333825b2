// Package identity derives a gadget instance's identity from its launch location.
package identity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/baaaht/gadget/pkg/types"
)

// Known identity fields
const (
	FieldURL      = "url"
	FieldAPIHost  = "apihost"
	FieldToken    = "token"
	FieldGID      = "gid"
	FieldPlace    = "place"
	FieldSkin     = "skin"
	FieldAccount  = "account"
	FieldSite     = "site"
	FieldUser     = "user"
	FieldHostBase = "hostbase"
	FieldMsgHost  = "msghost"
)

// Fields lists every field accepted by Get and Set
var Fields = []string{
	FieldURL, FieldAPIHost, FieldToken, FieldGID, FieldPlace, FieldSkin,
	FieldAccount, FieldSite, FieldUser, FieldHostBase, FieldMsgHost,
}

var knownFields = func() map[string]bool {
	m := make(map[string]bool, len(Fields))
	for _, f := range Fields {
		m[f] = true
	}
	return m
}()

// locationSeparators splits a location into its base and its query segments
var locationSeparators = regexp.MustCompile(`[?&]`)

// Identity is the identity and session context of one gadget instance
type Identity struct {
	mu     sync.RWMutex
	fields map[string]string
	params map[string]*string
}

// Resolve parses a launch location into an Identity.
// Values are kept as raw strings; a segment without '=' yields an undefined value
// and a repeated key keeps its last occurrence.
//
// The url field always holds the base location. A url query parameter, with or
// without a value, is kept in Params but never replaces it, so the sender origin
// stamped on envelopes cannot be rewritten from the query string.
func Resolve(location string) *Identity {
	pieces := locationSeparators.Split(location, -1)

	id := &Identity{
		fields: map[string]string{FieldURL: pieces[0]},
		params: make(map[string]*string, len(pieces)-1),
	}

	for _, segment := range pieces[1:] {
		parts := strings.Split(segment, "=")
		key := parts[0]
		if len(parts) < 2 {
			id.params[key] = nil
			if key != FieldURL {
				delete(id.fields, key)
			}
			continue
		}
		value := parts[1]
		id.params[key] = &value
		if knownFields[key] && key != FieldURL {
			id.fields[key] = value
		}
	}

	return id
}

// Get returns a field value and whether it is defined
func (i *Identity) Get(field string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if v, ok := i.fields[field]; ok {
		return v, true
	}
	if p, ok := i.params[field]; ok && p != nil {
		return *p, true
	}
	return "", false
}

// Value returns a field value or the empty string
func (i *Identity) Value(field string) string {
	v, _ := i.Get(field)
	return v
}

// Set assigns one of the known identity fields
func (i *Identity) Set(field, value string) error {
	if !knownFields[field] {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown identity field: %s", field))
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.fields[field] = value
	return nil
}

// SetAll assigns several known fields, rejecting the whole batch if any is unknown
func (i *Identity) SetAll(values map[string]string) error {
	for field := range values {
		if !knownFields[field] {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown identity field: %s", field))
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for field, value := range values {
		i.fields[field] = value
	}
	return nil
}

// Params returns a copy of the raw launch parameters; undefined values are nil
func (i *Identity) Params() map[string]*string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]*string, len(i.params))
	for k, v := range i.params {
		if v == nil {
			out[k] = nil
			continue
		}
		value := *v
		out[k] = &value
	}
	return out
}

// Snapshot returns every defined value, launch parameters included, keyed by name
func (i *Identity) Snapshot() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string]string, len(i.params)+1)
	for k, v := range i.params {
		if v != nil {
			out[k] = *v
		}
	}
	for k, v := range i.fields {
		out[k] = v
	}
	return out
}

// Keys returns the sorted names of all defined values
func (i *Identity) Keys() []string {
	snap := i.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sender returns the fields stamped on outbound envelopes
func (i *Identity) Sender() types.Sender {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return types.Sender{
		GID:    i.fields[FieldGID],
		Origin: i.fields[FieldURL],
		Token:  i.fields[FieldToken],
		Place:  i.fields[FieldPlace],
	}
}

// URL returns the base location of the instance
func (i *Identity) URL() string { return i.Value(FieldURL) }

// APIHost returns the root address of the remote configuration service
func (i *Identity) APIHost() string { return i.Value(FieldAPIHost) }

// Token returns the authorization token of the current session
func (i *Identity) Token() string { return i.Value(FieldToken) }

// GID returns the instance identifier
func (i *Identity) GID() string { return i.Value(FieldGID) }

// Place returns where in the host the instance is displayed
func (i *Identity) Place() string { return i.Value(FieldPlace) }

// Account returns the account name of the logged-in user
func (i *Identity) Account() string { return i.Value(FieldAccount) }

// MsgHost returns the trusted peer origin
func (i *Identity) MsgHost() string { return i.Value(FieldMsgHost) }

// String returns a representation that omits the authorization token
func (i *Identity) String() string {
	return fmt.Sprintf("Identity{URL: %s, GID: %s, Place: %s, Account: %s, MsgHost: %s}",
		i.URL(), i.GID(), i.Place(), i.Account(), i.MsgHost())
}
