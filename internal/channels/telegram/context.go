package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

const replyQuoteMaxLen = 500

// messageContext carries the forwarded/reply/location metadata that a
// raw text payload loses. It gets rendered back into the content so the
// model sees what the user saw.
type messageContext struct {
	forwardedFrom string
	forwardedAt   time.Time
	replySender   string
	replyBody     string
	replyToBot    bool
	location      *telego.Location
}

func buildMessageContext(msg *telego.Message, botUsername string) *messageContext {
	mc := &messageContext{}

	if origin := msg.ForwardOrigin; origin != nil {
		switch o := origin.(type) {
		case *telego.MessageOriginUser:
			u := o.SenderUser
			mc.forwardedFrom = displayName(&u)
			mc.forwardedAt = time.Unix(o.Date, 0)
		case *telego.MessageOriginChat:
			mc.forwardedFrom = o.SenderChat.Title
			mc.forwardedAt = time.Unix(o.Date, 0)
		case *telego.MessageOriginChannel:
			mc.forwardedFrom = o.Chat.Title
			mc.forwardedAt = time.Unix(o.Date, 0)
		case *telego.MessageOriginHiddenUser:
			mc.forwardedFrom = o.SenderUserName
			mc.forwardedAt = time.Unix(o.Date, 0)
		}
	}

	if reply := msg.ReplyToMessage; reply != nil {
		mc.replySender = "unknown"
		if reply.From != nil {
			mc.replySender = displayName(reply.From)
			mc.replyToBot = reply.From.Username == botUsername
		}
		mc.replyBody = reply.Text
		if mc.replyBody == "" {
			mc.replyBody = reply.Caption
		}
		if len(mc.replyBody) > replyQuoteMaxLen {
			mc.replyBody = mc.replyBody[:replyQuoteMaxLen] + "..."
		}
	}

	mc.location = msg.Location
	return mc
}

// render wraps content with the captured context markers.
func (mc *messageContext) render(content string) string {
	if mc == nil {
		return content
	}

	var b strings.Builder
	if mc.forwardedFrom != "" {
		fmt.Fprintf(&b, "[Forwarded from %s at %s]\n", mc.forwardedFrom, mc.forwardedAt.Format("2006-01-02 15:04"))
	}
	b.WriteString(content)
	if mc.replyBody != "" {
		fmt.Fprintf(&b, "\n\n[Replying to %s]\n%s\n[/Replying]", mc.replySender, mc.replyBody)
	}
	if mc.location != nil {
		fmt.Fprintf(&b, "\n\nCoordinates: %.6f, %.6f", mc.location.Latitude, mc.location.Longitude)
	}
	return b.String()
}

func displayName(user *telego.User) string {
	if user == nil {
		return "unknown"
	}
	if user.LastName != "" {
		return user.FirstName + " " + user.LastName
	}
	return user.FirstName
}
