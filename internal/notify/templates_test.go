package notify

import (
	"strings"
	"testing"

	"github.com/vaivahik/realtime/internal/bus"
)

func TestRender_KnownTypes(t *testing.T) {
	r := NewTemplateResolver()

	tests := []struct {
		eventType string
		data      map[string]string
		wantTitle string
		wantIn    string
	}{
		{bus.TypeNewMessage, map[string]string{"sender_name": "Priya"}, "New message", "Priya sent you a message"},
		{bus.TypeInterestReceived, map[string]string{"sender_name": "Arjun"}, "New interest", "Arjun expressed interest"},
		{bus.TypeInterestAccepted, map[string]string{"sender_name": "Meera"}, "Interest accepted", "Meera accepted"},
		{bus.TypeMessageRead, map[string]string{"sender_name": "Priya"}, "Messages read", "Priya read your messages"},
		{bus.TypeOTP, map[string]string{"code": "482913"}, "Your verification code", "482913"},
		{bus.TypePaymentFailed, nil, "Payment failed", "could not be processed"},
		{bus.TypeSubscriptionExpiring, map[string]string{"days_left": "3"}, "Plan expiring soon", "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got := r.Render(tt.eventType, tt.data)
			if got.Title != tt.wantTitle {
				t.Fatalf("title = %q, want %q", got.Title, tt.wantTitle)
			}
			if !strings.Contains(got.Body, tt.wantIn) {
				t.Fatalf("body %q should contain %q", got.Body, tt.wantIn)
			}
		})
	}
}

func TestRender_MissingSenderNameFallsBack(t *testing.T) {
	r := NewTemplateResolver()

	got := r.Render(bus.TypeNewMessage, nil)
	if !strings.Contains(got.Body, "Someone") {
		t.Fatalf("body %q should use the anonymous fallback", got.Body)
	}
}

func TestRender_UnknownTypeGetsGenericFallback(t *testing.T) {
	r := NewTemplateResolver()

	got := r.Render("brand_new_event", nil)
	if got.Title != "Notification" || got.Body == "" {
		t.Fatalf("unknown type should render the generic fallback, got %+v", got)
	}
}

func TestRendered_EmailFallbacks(t *testing.T) {
	r := Rendered{Title: "Profile view", Body: "Someone viewed your profile"}

	if r.emailSubject() != "Profile view" {
		t.Fatalf("empty email subject should fall back to title, got %q", r.emailSubject())
	}
	if r.emailBody() != "Someone viewed your profile" {
		t.Fatalf("empty email body should fall back to body, got %q", r.emailBody())
	}

	r.EmailSubject = "You were noticed"
	r.EmailBody = "Log in to see who"
	if r.emailSubject() != "You were noticed" || r.emailBody() != "Log in to see who" {
		t.Fatal("explicit email fields should win over fallbacks")
	}
}
