package grants

import (
	natsjwt "github.com/nats-io/jwt/v2"

	"github.com/example/companion-chat/pkg/channel"
)

// channelPermissions maps a granted channel onto the exact transport subjects
// the holder may use. Presence channels get the membership and presence-event
// subjects for that one conversation; private channels get the user's own
// delivery subject and nothing else.
func channelPermissions(ch channel.Channel) natsjwt.Permissions {
	perms := natsjwt.Permissions{
		Pub: natsjwt.Permission{},
		Sub: natsjwt.Permission{},
		Resp: &natsjwt.ResponsePermission{
			MaxMsgs: 1,
			Expires: 5 * 60 * 1000000000, // 5 minutes in nanoseconds
		},
	}

	switch ch.Kind {
	case channel.KindPresence:
		perms.Pub.Allow = natsjwt.StringList{
			"channel.join." + ch.Name,
			"channel.leave." + ch.Name,
			"presence.members." + ch.Name,
			"_INBOX.>",
		}
		perms.Sub.Allow = natsjwt.StringList{
			"presence.event." + ch.Name,
			"_INBOX.>",
		}
	case channel.KindPrivate:
		perms.Pub.Allow = natsjwt.StringList{
			"_INBOX.>",
		}
		perms.Sub.Allow = natsjwt.StringList{
			"deliver." + ch.UserID + ".>",
			"_INBOX.>",
		}
	}

	return perms
}
