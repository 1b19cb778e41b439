package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

type mockAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (m *mockAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.params = append(m.params, params)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newMockClient(opts ...Option) (*Client, *mockAPI) {
	cfg := Opts{AccountSID: "AC1", AuthToken: "secret", FromWhats: "+14155238886"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	api := &mockAPI{}
	return newClient(api, cfg), api
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(WithFromWhats("+1")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("t")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("t"), WithFromWhats("+1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClient_SendText(t *testing.T) {
	c, api := newMockClient()
	if err := c.SendText(context.Background(), "ignored", "+447911123456", "Question 1: hi", "wamid"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	p := api.params[0]
	if deref(p.To) != "whatsapp:+447911123456" || deref(p.From) != "whatsapp:+14155238886" || deref(p.Body) != "Question 1: hi" {
		t.Errorf("unexpected params to=%q from=%q body=%q", deref(p.To), deref(p.From), deref(p.Body))
	}
}

func TestClient_SendTextError(t *testing.T) {
	c, api := newMockClient()
	api.err = errors.New("rate limited")
	if err := c.SendText(context.Background(), "", "+1", "hi", ""); err == nil {
		t.Error("expected error")
	}
}

func TestClient_SendTemplate(t *testing.T) {
	tmpl := messaging.Template{Name: "begin_questionnaire", BodyParams: []string{"5 minutes"}, FallbackText: "Reply begin"}

	t.Run("content sid", func(t *testing.T) {
		c, api := newMockClient(WithContentSID("begin_questionnaire", "HX1"))
		if err := c.SendTemplate(context.Background(), "", "+447911123456", tmpl); err != nil {
			t.Fatalf("SendTemplate: %v", err)
		}
		p := api.params[0]
		if deref(p.ContentSid) != "HX1" || p.Body != nil {
			t.Errorf("unexpected params sid=%q body=%q", deref(p.ContentSid), deref(p.Body))
		}
		var vars map[string]string
		if err := json.Unmarshal([]byte(deref(p.ContentVariables)), &vars); err != nil {
			t.Fatalf("content variables: %v", err)
		}
		if vars["1"] != "5 minutes" {
			t.Errorf("unexpected variables %v", vars)
		}
	})

	t.Run("fallback text", func(t *testing.T) {
		c, api := newMockClient()
		if err := c.SendTemplate(context.Background(), "", "+447911123456", tmpl); err != nil {
			t.Fatalf("SendTemplate: %v", err)
		}
		if deref(api.params[0].Body) != "Reply begin" {
			t.Errorf("expected fallback body, got %q", deref(api.params[0].Body))
		}
	})

	t.Run("no fallback", func(t *testing.T) {
		c, _ := newMockClient()
		err := c.SendTemplate(context.Background(), "", "+1", messaging.Template{Name: "x"})
		if !errors.Is(err, messaging.ErrUnsupported) {
			t.Errorf("expected ErrUnsupported, got %v", err)
		}
	})
}

func TestClient_ReactionUnsupported(t *testing.T) {
	c, _ := newMockClient()
	if err := c.SendReaction(context.Background(), "", "+1", "SM1", "👍"); !errors.Is(err, messaging.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if err := c.MarkRead(context.Background(), "", "SM1"); err != nil {
		t.Errorf("MarkRead: %v", err)
	}
}

func TestClient_FetchMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ogg"))
	}))
	defer srv.Close()

	c, _ := newMockClient(WithHTTPClient(srv.Client()))
	data, err := c.FetchMedia(context.Background(), messaging.MediaRef{URL: srv.URL + "/media/ME1"})
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if string(data) != "ogg" {
		t.Errorf("unexpected media %q", data)
	}
	if _, err := c.FetchMedia(context.Background(), messaging.MediaRef{}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestParseWebhook(t *testing.T) {
	phones := messaging.NewPhoneCanonicalizer("GB")
	tests := []struct {
		name    string
		form    url.Values
		kind    messaging.MessageKind
		text    string
		payload string
		wantErr bool
	}{
		{
			name: "text",
			form: url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+447911123456"}, "To": {"whatsapp:+14155238886"}, "Body": {"7"}},
			kind: messaging.KindText,
			text: "7",
		},
		{
			name:    "button",
			form:    url.Values{"MessageSid": {"SM2"}, "From": {"whatsapp:+447911123456"}, "ButtonPayload": {"begin_questionnaire"}, "ButtonText": {"Begin"}},
			kind:    messaging.KindButton,
			text:    "Begin",
			payload: "begin_questionnaire",
		},
		{
			name: "audio",
			form: url.Values{"MessageSid": {"SM3"}, "From": {"whatsapp:+447911123456"}, "NumMedia": {"1"}, "MediaUrl0": {"https://api.twilio.com/m"}, "MediaContentType0": {"audio/ogg"}},
			kind: messaging.KindAudio,
		},
		{
			name: "image",
			form: url.Values{"MessageSid": {"SM4"}, "From": {"whatsapp:+447911123456"}, "NumMedia": {"1"}, "MediaContentType0": {"image/jpeg"}},
			kind: messaging.KindUnsupported,
		},
		{name: "missing sid", form: url.Values{"From": {"whatsapp:+447911123456"}}, wantErr: true},
		{name: "bad sender", form: url.Values{"MessageSid": {"SM5"}, "From": {"whatsapp:"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseWebhook(tt.form, phones)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if in.Kind != tt.kind || in.Text != tt.text || in.Payload != tt.payload {
				t.Errorf("got %+v", in)
			}
			if in.From != "+447911123456" {
				t.Errorf("unexpected sender %q", in.From)
			}
		})
	}
}

func TestFormParams(t *testing.T) {
	got := FormParams(url.Values{"Body": {"a", "b"}, "Empty": {}})
	if len(got) != 1 || got["Body"] != "a" {
		t.Errorf("unexpected params %v", got)
	}
}
