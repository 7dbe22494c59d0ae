package messaging

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/twiliowhatsapp"
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "5511999990000", false},
		{"5511999990000", "5511999990000", false},
		{"whatsapp:+5511999990000", "5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, c := range cases {
		got, err := s.ValidateAndCanonicalizeRecipient(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)

	if err := s.SendMessage(context.Background(), "+5511999990000", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("sent = %d, want 1", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "5511999990000" {
		t.Errorf("to = %s", mock.SentMessages[0].To)
	}

	select {
	case r := <-s.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("receipt status = %s", r.Status)
		}
	default:
		t.Error("expected sent receipt")
	}
}

func TestTwilioServiceSendFailureWrapsTransient(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.SendErr = errors.New("carrier unavailable")
	s := NewTwilioService(mock)

	err := s.SendMessage(context.Background(), "+5511999990000", "hello")
	if !errors.Is(err, models.ErrTransientDelivery) {
		t.Errorf("error = %v, want ErrTransientDelivery", err)
	}
}

func TestTwilioServiceStoppedRejectsSend(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.SendMessage(context.Background(), "+5511999990000", "hello"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("error = %v, want ErrServiceStopped", err)
	}
	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestWebhookHandlerEmitsResponse(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999990000")
	form.Set("Body", "my pain is 3")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.WebhookHandler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case resp := <-s.Responses():
		if resp.From != "whatsapp:+5511999990000" || resp.Body != "my pain is 3" {
			t.Errorf("response = %+v", resp)
		}
	default:
		t.Error("expected inbound response on channel")
	}
}

func TestWebhookHandlerRejectsMissingFields(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999990000")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.WebhookHandler(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
