// Package channel defines the channel-name grammar shared by the authorizer
// and the presence tracker. A channel name uniquely determines its kind and
// the scope its authorization predicate runs against.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the two channel families this system authorizes.
type Kind int

const (
	// KindPresence tracks membership for one conversation.
	KindPresence Kind = iota
	// KindPrivate delivers notifications to exactly one user, no membership tracking.
	KindPrivate
)

func (k Kind) String() string {
	switch k {
	case KindPresence:
		return "presence"
	case KindPrivate:
		return "private"
	}
	return "unknown"
}

const (
	presencePrefix = "presence-conv-"
	privatePrefix  = "private-user-"
)

// ErrMalformed is returned for names outside the channel grammar.
var ErrMalformed = errors.New("malformed channel name")

// Channel is a parsed channel name.
type Channel struct {
	Name string
	Kind Kind

	// ConversationID is set for presence channels.
	ConversationID string
	// UserID is set for private channels.
	UserID string
}

// Parse validates a channel name and resolves its kind and scope.
// Valid names are "presence-conv-{id}" and "private-user-{id}" where id is a
// non-empty run of [A-Za-z0-9_-]. IDs are also used as NATS subject tokens,
// so dots and whitespace are rejected here rather than at publish time.
func Parse(name string) (Channel, error) {
	switch {
	case strings.HasPrefix(name, presencePrefix):
		id := name[len(presencePrefix):]
		if !validID(id) {
			return Channel{}, fmt.Errorf("%w: %q", ErrMalformed, name)
		}
		return Channel{Name: name, Kind: KindPresence, ConversationID: id}, nil
	case strings.HasPrefix(name, privatePrefix):
		id := name[len(privatePrefix):]
		if !validID(id) {
			return Channel{}, fmt.Errorf("%w: %q", ErrMalformed, name)
		}
		return Channel{Name: name, Kind: KindPrivate, UserID: id}, nil
	}
	return Channel{}, fmt.Errorf("%w: %q", ErrMalformed, name)
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
