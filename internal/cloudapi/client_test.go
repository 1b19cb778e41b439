package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]capturedRequest) {
	t.Helper()
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, capturedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: string(body)})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(WithToken("tok"), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, &reqs
}

func okMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`)
}

func TestNewClient_RequiresToken(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error without token")
	}
}

func TestClient_SendText(t *testing.T) {
	c, reqs := newTestClient(t, okMessage)
	if err := c.SendText(context.Background(), "1234", "+447911123456", "Question 1: hi", "wamid.in"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	r := (*reqs)[0]
	if r.Method != http.MethodPost || r.Path != "/v18.0/1234/messages" || r.Auth != "Bearer tok" {
		t.Errorf("unexpected request %+v", r)
	}
	checks := map[string]string{
		"messaging_product":  "whatsapp",
		"to":                 "447911123456",
		"type":               "text",
		"text.body":          "Question 1: hi",
		"context.message_id": "wamid.in",
	}
	for path, want := range checks {
		if got := gjson.Get(r.Body, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestClient_SendTextWithoutContext(t *testing.T) {
	c, reqs := newTestClient(t, okMessage)
	if err := c.SendText(context.Background(), "1234", "+447911123456", "hi", ""); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gjson.Get((*reqs)[0].Body, "context").Exists() {
		t.Error("context must be omitted when no message is quoted")
	}
}

func TestClient_SendTemplate(t *testing.T) {
	c, reqs := newTestClient(t, okMessage)
	tmpl := messaging.Template{Name: "begin_questionnaire", Language: "en", BodyParams: []string{"5 minutes"}, QuickReplies: []string{"begin_questionnaire"}}
	if err := c.SendTemplate(context.Background(), "1234", "+447911123456", tmpl); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	body := (*reqs)[0].Body
	checks := map[string]string{
		"type":                                   "template",
		"template.name":                          "begin_questionnaire",
		"template.language.code":                 "en",
		"template.components.0.type":             "body",
		"template.components.0.parameters.0.text": "5 minutes",
		"template.components.1.sub_type":         "quick_reply",
		"template.components.1.index":            "0",
		"template.components.1.parameters.0.payload": "begin_questionnaire",
	}
	for path, want := range checks {
		if got := gjson.Get(body, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestClient_SendReactionAndMarkRead(t *testing.T) {
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"success": true, "messages": []map[string]string{{"id": "wamid.r"}}})
		_, _ = w.Write(body)
	})
	ctx := context.Background()
	if err := c.SendReaction(ctx, "1234", "+447911123456", "wamid.in", "👍"); err != nil {
		t.Fatalf("SendReaction: %v", err)
	}
	if err := c.MarkRead(ctx, "1234", "wamid.in"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	reaction := (*reqs)[0].Body
	if gjson.Get(reaction, "reaction.emoji").String() != "👍" || gjson.Get(reaction, "reaction.message_id").String() != "wamid.in" {
		t.Errorf("unexpected reaction body %s", reaction)
	}
	read := (*reqs)[1].Body
	if gjson.Get(read, "status").String() != "read" || gjson.Get(read, "message_id").String() != "wamid.in" {
		t.Errorf("unexpected read body %s", read)
	}
}

func TestClient_GraphError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid parameter","code":100}}`)
	})
	err := c.SendText(context.Background(), "1234", "+447911123456", "hi", "")
	var gerr *GraphError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GraphError, got %v", err)
	}
	if gerr.StatusCode != http.StatusBadRequest || gerr.Code != 100 || gerr.Message != "Invalid parameter" {
		t.Errorf("unexpected error %+v", gerr)
	}
}

func TestClient_UnexpectedSuccessBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	if err := c.SendText(context.Background(), "1234", "+1", "hi", ""); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("expected ErrUnexpectedResponse, got %v", err)
	}
}

func TestClient_FetchMedia(t *testing.T) {
	var srvURL string
	c, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v20.0/media-1/":
			_, _ = io.WriteString(w, `{"url":"`+srvURL+`/download/media-1","mime_type":"audio/ogg"}`)
		case strings.HasPrefix(r.URL.Path, "/download/"):
			_, _ = w.Write([]byte("OggS-audio"))
		default:
			http.NotFound(w, r)
		}
	})
	srvURL = c.baseURL

	data, err := c.FetchMedia(context.Background(), messaging.MediaRef{ID: "media-1"})
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	if string(data) != "OggS-audio" {
		t.Errorf("unexpected media %q", data)
	}
	if len(*reqs) != 2 || (*reqs)[1].Auth != "Bearer tok" {
		t.Errorf("expected authenticated download, got %+v", *reqs)
	}
}
