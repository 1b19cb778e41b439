package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

type sentMessage struct {
	to  types.JID
	msg *waE2E.Message
}

type fakeWA struct {
	sent       []sentMessage
	reads      []types.MessageID
	readChats  []types.JID
	downloaded int
	sendErr    error
}

func (f *fakeWA) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: to, msg: message})
	return whatsmeow.SendResponse{}, nil
}

func (f *fakeWA) BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message {
	return &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String(reaction)}}
}

func (f *fakeWA) MarkRead(ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error {
	f.reads = append(f.reads, ids...)
	f.readChats = append(f.readChats, chat)
	return nil
}

func (f *fakeWA) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	f.downloaded++
	return []byte("ogg"), nil
}

func newTestClient() (*Client, *fakeWA) {
	wa := &fakeWA{}
	return newClient(wa, messaging.NewPhoneCanonicalizer("GB")), wa
}

func messageEvent(id string, msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.ID = id
	evt.Info.Sender = types.NewJID("447911123456", types.DefaultUserServer)
	evt.Info.Chat = evt.Info.Sender
	evt.Info.Timestamp = time.Unix(1700000000, 0)
	return evt
}

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("/tmp/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)
	if opts.DBDSN != "/tmp/test.db" || opts.QRPath != "/tmp/qr.txt" || !opts.NumericCode {
		t.Errorf("options not applied: %+v", opts)
	}
}

func TestSendText(t *testing.T) {
	c, wa := newTestClient()
	ctx := context.Background()

	if err := c.SendText(ctx, "", "+447911123456", "hello", ""); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.SendText(ctx, "", "+447911123456", "Question 2", "MSG1"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(wa.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(wa.sent))
	}
	if wa.sent[0].to.User != "447911123456" || wa.sent[0].msg.GetConversation() != "hello" {
		t.Errorf("unexpected plain message %+v", wa.sent[0])
	}
	quoted := wa.sent[1].msg.GetExtendedTextMessage()
	if quoted.GetText() != "Question 2" || quoted.GetContextInfo().GetStanzaID() != "MSG1" {
		t.Errorf("expected quoted message, got %v", quoted)
	}

	if err := c.SendText(ctx, "", "", "x", ""); err == nil {
		t.Error("expected error for empty recipient")
	}
	wa.sendErr = errors.New("offline")
	if err := c.SendText(ctx, "", "+447911123456", "x", ""); err == nil {
		t.Error("expected send error")
	}
}

func TestSendTemplateUsesFallback(t *testing.T) {
	c, wa := newTestClient()
	tmpl := messaging.Template{Name: "begin_questionnaire", FallbackText: "Reply begin"}
	if err := c.SendTemplate(context.Background(), "", "+447911123456", tmpl); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if wa.sent[0].msg.GetConversation() != "Reply begin" {
		t.Errorf("unexpected message %v", wa.sent[0].msg)
	}
	if err := c.SendTemplate(context.Background(), "", "+1", messaging.Template{Name: "x"}); !errors.Is(err, messaging.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestSendReaction(t *testing.T) {
	c, wa := newTestClient()
	if err := c.SendReaction(context.Background(), "", "+447911123456", "MSG1", "👍"); err != nil {
		t.Fatalf("SendReaction: %v", err)
	}
	if wa.sent[0].msg.GetReactionMessage().GetText() != "👍" {
		t.Errorf("unexpected reaction %v", wa.sent[0].msg)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name    string
		msg     *waE2E.Message
		kind    messaging.MessageKind
		text    string
		payload string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("seven")}, messaging.KindText, "seven", ""},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("skip")}}, messaging.KindText, "skip", ""},
		{"template button", &waE2E.Message{TemplateButtonReplyMessage: &waE2E.TemplateButtonReplyMessage{SelectedID: proto.String("begin_questionnaire"), SelectedDisplayText: proto.String("Begin")}}, messaging.KindButton, "Begin", "begin_questionnaire"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus")}}, messaging.KindAudio, "", ""},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, messaging.KindUnsupported, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient()
			in, ok := c.convert(messageEvent("MSG1", tt.msg))
			if !ok {
				t.Fatal("expected message to be converted")
			}
			if in.Kind != tt.kind || in.Text != tt.text || in.Payload != tt.payload {
				t.Errorf("got %+v", in)
			}
			if in.From != "+447911123456" || in.ID != "MSG1" {
				t.Errorf("unexpected identity %+v", in)
			}
		})
	}
}

func TestConvertSkips(t *testing.T) {
	c, _ := newTestClient()

	own := messageEvent("A", &waE2E.Message{Conversation: proto.String("hi")})
	own.Info.IsFromMe = true
	group := messageEvent("B", &waE2E.Message{Conversation: proto.String("hi")})
	group.Info.IsGroup = true
	hidden := messageEvent("C", &waE2E.Message{Conversation: proto.String("hi")})
	hidden.Info.Sender = types.NewJID("12345", types.HiddenUserServer)

	for _, evt := range []*events.Message{own, group, hidden, {}} {
		if _, ok := c.convert(evt); ok {
			t.Errorf("expected event %q to be skipped", evt.Info.ID)
		}
	}
}

func TestMarkReadAndFetchMedia(t *testing.T) {
	c, wa := newTestClient()
	ctx := context.Background()

	if err := c.MarkRead(ctx, "", "UNKNOWN"); !errors.Is(err, messaging.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for unseen message, got %v", err)
	}

	in, ok := c.convert(messageEvent("AUDIO1", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}))
	if !ok {
		t.Fatal("expected conversion")
	}
	if err := c.MarkRead(ctx, "", in.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(wa.reads) != 1 || wa.reads[0] != "AUDIO1" {
		t.Errorf("unexpected reads %v", wa.reads)
	}
	if len(wa.readChats) != 1 || wa.readChats[0].User != "447911123456" {
		t.Errorf("expected receipt for the sender chat, got %v", wa.readChats)
	}
	if err := c.MarkRead(ctx, "", in.ID); !errors.Is(err, messaging.ErrUnsupported) {
		t.Errorf("expected second receipt to be unsupported, got %v", err)
	}

	data, err := c.FetchMedia(ctx, *in.Media)
	if err != nil || string(data) != "ogg" {
		t.Fatalf("FetchMedia = %q, %v", data, err)
	}
	if _, err := c.FetchMedia(ctx, *in.Media); err == nil {
		t.Error("expected media to be consumed after download")
	}
}

func TestHandleEventDispatches(t *testing.T) {
	c, _ := newTestClient()
	got := make(chan messaging.Inbound, 1)
	c.OnInbound(func(ctx context.Context, msg messaging.Inbound) error {
		got <- msg
		return nil
	})
	c.handleEvent(messageEvent("MSG9", &waE2E.Message{Conversation: proto.String("3")}))

	select {
	case in := <-got:
		if in.ID != "MSG9" || in.Text != "3" {
			t.Errorf("unexpected inbound %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestHandleEventContainsHandlerPanic(t *testing.T) {
	c, _ := newTestClient()
	calls := make(chan string, 2)
	c.OnInbound(func(ctx context.Context, msg messaging.Inbound) error {
		calls <- msg.ID
		if msg.ID == "MSG1" {
			panic("handler crashed")
		}
		return nil
	})
	c.handleEvent(messageEvent("MSG1", &waE2E.Message{Conversation: proto.String("1")}))
	c.handleEvent(messageEvent("MSG2", &waE2E.Message{Conversation: proto.String("2")}))

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case id := <-calls:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("handler calls missing, saw %v", seen)
		}
	}
}
