package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "15550001", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].To != "15550001" {
		t.Errorf("unexpected message %+v", sent[0])
	}

	mock.Err = errors.New("twilio down")
	if err := mock.SendMessage(ctx, "15550001", "again"); err == nil {
		t.Error("expected configured error")
	}
}

func TestAddress(t *testing.T) {
	tests := map[string]string{
		"15550001":           "whatsapp:+15550001",
		"+15550001":          "whatsapp:+15550001",
		"whatsapp:+15550001": "whatsapp:+15550001",
		" whatsapp:15550001": "whatsapp:+15550001",
	}
	for in, want := range tests {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected error without sending number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+15550000"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}

// sign computes a Twilio request signature: base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func sign(token, webhookURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := webhookURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	const webhookURL = "https://example.com/twilio/webhook"
	form := url.Values{"From": {"whatsapp:+15550001"}, "Body": {"add task"}, "MessageSid": {"SM1"}}
	v := NewSignatureValidator("secret")

	if !v.Validate(webhookURL, form, sign("secret", webhookURL, form)) {
		t.Error("valid signature rejected")
	}
	if v.Validate(webhookURL, form, sign("other", webhookURL, form)) {
		t.Error("signature from another token accepted")
	}
	tampered := url.Values{"From": {"whatsapp:+15550001"}, "Body": {"show tasks"}, "MessageSid": {"SM1"}}
	if v.Validate(webhookURL, tampered, sign("secret", webhookURL, form)) {
		t.Error("tampered body accepted")
	}
	if v.Validate(webhookURL, form, "") {
		t.Error("missing signature accepted")
	}
}
