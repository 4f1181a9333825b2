package types

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Reserved message names exchanged with the host
const (
	// NotificationConfiguration is pushed by the host and replaces the local configuration map
	NotificationConfiguration = "configuration"

	RequestGetCurrentFileInfo = "get-current-file-info"
	RequestInsertAtCursor     = "insert-at-cursor"
	RequestGetLocation        = "get-location"
	RequestSetLocation        = "set-location"
)

// Envelope is the unit of communication between the gadget and its host.
// An envelope with a Callback is a request or a reply; one without is a notification.
type Envelope struct {
	Name     string `json:"name" msgpack:"name" validate:"required_without=Callback,max=256"`
	GID      string `json:"gid" msgpack:"gid"`
	Origin   string `json:"origin" msgpack:"origin"`
	Token    string `json:"token" msgpack:"token"`
	Place    string `json:"place" msgpack:"place"`
	Payload  any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Callback string `json:"callback,omitempty" msgpack:"callback,omitempty" validate:"max=128"`
}

// HasCallback reports whether the envelope carries a correlation token
func (e *Envelope) HasCallback() bool {
	return e.Callback != ""
}

// String returns a short representation of the envelope
func (e *Envelope) String() string {
	if e.HasCallback() {
		return fmt.Sprintf("Envelope{Name: %s, Callback: %s}", e.Name, e.Callback)
	}
	return fmt.Sprintf("Envelope{Name: %s}", e.Name)
}

// Sender holds the identity fields stamped on every outbound envelope
type Sender struct {
	GID    string `json:"gid"`
	Origin string `json:"origin"`
	Token  string `json:"token"`
	Place  string `json:"place"`
}

// NewEnvelope builds an envelope from the sender identity
func NewEnvelope(name string, sender Sender, payload any) *Envelope {
	return &Envelope{
		Name:    name,
		GID:     sender.GID,
		Origin:  sender.Origin,
		Token:   sender.Token,
		Place:   sender.Place,
		Payload: payload,
	}
}

// Notification is an unsolicited envelope delivered to observers
type Notification struct {
	Name       string    `json:"name"`
	Payload    any       `json:"payload,omitempty"`
	GID        string    `json:"gid,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Place      string    `json:"place,omitempty"`
	ReceivedAt Timestamp `json:"received_at"`
}

// NotificationFromEnvelope converts an inbound envelope into a notification
func NotificationFromEnvelope(env *Envelope) Notification {
	return Notification{
		Name:       env.Name,
		Payload:    env.Payload,
		GID:        env.GID,
		Origin:     env.Origin,
		Place:      env.Place,
		ReceivedAt: NewTimestamp(),
	}
}

var (
	envelopeValidator     *validator.Validate
	envelopeValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	envelopeValidatorOnce.Do(func() {
		envelopeValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return envelopeValidator
}

// ValidateEnvelope checks the shape of an envelope
func ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return NewError(ErrCodeInvalid, "envelope cannot be nil")
	}
	if err := getValidator().Struct(env); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewError(ErrCodeInvalid,
				fmt.Sprintf("envelope field %s failed %s validation", fe.Field(), fe.Tag()))
		}
		return WrapError(ErrCodeInvalid, "envelope validation failed", err)
	}
	return nil
}
