// Package grants implements channel subscription authorization: it validates
// the caller's session, evaluates the channel-kind-specific predicate, and
// mints a signed grant the transport accepts. Authorization is synchronous,
// stateless and side-effect-free; repeated calls with the same inputs yield
// equivalent outcomes.
package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsjwt "github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"

	"github.com/example/companion-chat/pkg/channel"
)

var (
	// ErrUnauthenticated means no valid session accompanied the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the session failed the channel's predicate.
	ErrUnauthorized = errors.New("unauthorized")
)

// Session is a validated caller identity.
type Session struct {
	UserID    string
	Handle    string
	ExpiresAt time.Time
}

// SessionValidator checks a session token issued by the auth collaborator.
type SessionValidator interface {
	Validate(token string) (*Session, error)
}

// ParticipantChecker answers whether a user participates in a conversation,
// against the authoritative store.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Grant is a signed subscription grant: a NATS user JWT whose permissions
// cover exactly the granted channel's subjects.
type Grant struct {
	Channel   string    `json:"channel"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authorizer evaluates channel subscription requests. It holds no mutable
// state across calls and requires no locking.
type Authorizer struct {
	sessions     SessionValidator
	participants ParticipantChecker
	issuer       nkeys.KeyPair
	audience     string
	ttl          time.Duration
}

// NewAuthorizer builds an authorizer signing grants with the account key
// derived from issuerSeed.
func NewAuthorizer(sessions SessionValidator, participants ParticipantChecker, issuerSeed string, ttl time.Duration) (*Authorizer, error) {
	issuer, err := nkeys.FromSeed([]byte(issuerSeed))
	if err != nil {
		return nil, fmt.Errorf("parse issuer nkey seed: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authorizer{
		sessions:     sessions,
		participants: participants,
		issuer:       issuer,
		audience:     "COMPANION",
		ttl:          ttl,
	}, nil
}

// Authorize validates the session token, checks the channel predicate and
// returns a signed grant. Errors wrap channel.ErrMalformed for unparseable
// names, ErrUnauthenticated for missing or invalid sessions, and
// ErrUnauthorized for predicate failures.
func (a *Authorizer) Authorize(ctx context.Context, sessionToken, channelName string) (*Grant, error) {
	ch, err := channel.Parse(channelName)
	if err != nil {
		return nil, err
	}

	if sessionToken == "" {
		return nil, fmt.Errorf("channel %q: %w: no session token", channelName, ErrUnauthenticated)
	}
	session, err := a.sessions.Validate(sessionToken)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w: %v", channelName, ErrUnauthenticated, err)
	}

	switch ch.Kind {
	case channel.KindPresence:
		ok, err := a.participants.IsParticipant(ctx, ch.ConversationID, session.UserID)
		if err != nil {
			return nil, fmt.Errorf("participant check for %q: %w", channelName, err)
		}
		if !ok {
			return nil, fmt.Errorf("user %q is not a participant of conversation %q: %w", session.UserID, ch.ConversationID, ErrUnauthorized)
		}
	case channel.KindPrivate:
		if session.UserID != ch.UserID {
			return nil, fmt.Errorf("user %q cannot subscribe to %q: %w", session.UserID, channelName, ErrUnauthorized)
		}
	default:
		return nil, fmt.Errorf("%w: %q", channel.ErrMalformed, channelName)
	}

	return a.mint(ch, session)
}

// mint builds and signs the NATS user JWT for a granted channel.
func (a *Authorizer) mint(ch channel.Channel, session *Session) (*Grant, error) {
	userKP, err := nkeys.CreateUser()
	if err != nil {
		return nil, fmt.Errorf("create grant nkey: %w", err)
	}
	userPub, err := userKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("grant nkey public key: %w", err)
	}

	expiry := time.Now().Add(a.ttl)
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(expiry) {
		expiry = session.ExpiresAt
	}

	claims := natsjwt.NewUserClaims(userPub)
	claims.Name = session.UserID
	claims.Audience = a.audience
	claims.BearerToken = true
	claims.Permissions = channelPermissions(ch)
	claims.Expires = expiry.Unix()

	token, err := claims.Encode(a.issuer)
	if err != nil {
		return nil, fmt.Errorf("encode grant claims: %w", err)
	}

	return &Grant{Channel: ch.Name, Token: token, ExpiresAt: expiry}, nil
}
