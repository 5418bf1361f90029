package notify

import (
	"fmt"

	"github.com/vaivahik/realtime/internal/bus"
)

// Rendered is the per-channel text produced for one notification. Email
// fields fall back to Title/Body when empty.
type Rendered struct {
	Title        string
	Body         string
	EmailSubject string
	EmailBody    string
}

// TemplateResolver maps (event type, metadata) to rendered notification
// text. It is a pure function: no IO, no state.
type TemplateResolver struct{}

// NewTemplateResolver creates a template resolver.
func NewTemplateResolver() *TemplateResolver {
	return &TemplateResolver{}
}

// Render produces the notification text for an event. Unknown types get the
// generic fallback so a new event type never breaks delivery.
func (r *TemplateResolver) Render(eventType string, data map[string]string) Rendered {
	name := data["sender_name"]
	if name == "" {
		name = "Someone"
	}

	switch eventType {
	case bus.TypeNewMessage:
		return Rendered{
			Title:        "New message",
			Body:         fmt.Sprintf("%s sent you a message", name),
			EmailSubject: "You have a new message",
			EmailBody:    fmt.Sprintf("%s sent you a message. Log in to read and reply.", name),
		}
	case bus.TypeInterestReceived:
		return Rendered{
			Title:        "New interest",
			Body:         fmt.Sprintf("%s expressed interest in your profile", name),
			EmailSubject: "Someone is interested in you",
			EmailBody:    fmt.Sprintf("%s expressed interest in your profile. Log in to respond.", name),
		}
	case bus.TypeInterestAccepted:
		return Rendered{
			Title:        "Interest accepted",
			Body:         fmt.Sprintf("%s accepted your interest", name),
			EmailSubject: "Your interest was accepted",
			EmailBody:    fmt.Sprintf("%s accepted your interest. You can now message each other.", name),
		}
	case bus.TypeMessageRead:
		return Rendered{
			Title: "Messages read",
			Body:  fmt.Sprintf("%s read your messages", name),
		}
	case bus.TypeProfileView:
		return Rendered{
			Title: "Profile view",
			Body:  fmt.Sprintf("%s viewed your profile", name),
		}
	case bus.TypeOTP:
		code := data["code"]
		return Rendered{
			Title:        "Your verification code",
			Body:         fmt.Sprintf("Your verification code is %s", code),
			EmailSubject: "Your verification code",
			EmailBody:    fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code),
		}
	case bus.TypePaymentFailed:
		return Rendered{
			Title:        "Payment failed",
			Body:         "Your last payment could not be processed",
			EmailSubject: "Action required: payment failed",
			EmailBody:    "Your last payment could not be processed. Please update your payment method to keep your plan active.",
		}
	case bus.TypeSubscriptionExpiring:
		days := data["days_left"]
		if days == "" {
			days = "a few"
		}
		return Rendered{
			Title:        "Plan expiring soon",
			Body:         fmt.Sprintf("Your plan expires in %s days", days),
			EmailSubject: "Your plan is expiring soon",
			EmailBody:    fmt.Sprintf("Your plan expires in %s days. Renew now to keep contacting matches.", days),
		}
	case bus.TypeSubscriptionRenewed:
		return Rendered{
			Title: "Plan renewed",
			Body:  "Your plan has been renewed successfully",
		}
	default:
		return Rendered{
			Title: "Notification",
			Body:  "You have a new notification",
		}
	}
}

// emailSubject returns the email subject, falling back to the title.
func (r Rendered) emailSubject() string {
	if r.EmailSubject != "" {
		return r.EmailSubject
	}
	return r.Title
}

// emailBody returns the email body, falling back to the in-app body.
func (r Rendered) emailBody() string {
	if r.EmailBody != "" {
		return r.EmailBody
	}
	return r.Body
}
