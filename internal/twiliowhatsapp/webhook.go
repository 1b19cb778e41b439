package twiliowhatsapp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
)

// ParseWebhook converts a Twilio inbound message form into a messaging.Inbound.
// Voice notes arrive as media with an audio content type.
func ParseWebhook(form url.Values, phones *messaging.PhoneCanonicalizer) (messaging.Inbound, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		return messaging.Inbound{}, fmt.Errorf("twilio webhook: missing MessageSid")
	}
	from, err := phones.Canonicalize(form.Get("From"))
	if err != nil {
		return messaging.Inbound{}, fmt.Errorf("twilio webhook: %w", err)
	}

	in := messaging.Inbound{
		ID:         sid,
		From:       from,
		EndpointID: strings.TrimPrefix(form.Get("To"), whatsappPrefix),
		Timestamp:  time.Now().UTC(),
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	switch {
	case form.Get("ButtonPayload") != "":
		in.Kind = messaging.KindButton
		in.Payload = form.Get("ButtonPayload")
		in.Text = form.Get("ButtonText")
		if in.Text == "" {
			in.Text = form.Get("Body")
		}
	case numMedia > 0 && strings.HasPrefix(form.Get("MediaContentType0"), "audio/"):
		in.Kind = messaging.KindAudio
		in.Media = &messaging.MediaRef{
			ID:       sid,
			URL:      form.Get("MediaUrl0"),
			MimeType: form.Get("MediaContentType0"),
		}
	case numMedia > 0:
		in.Kind = messaging.KindUnsupported
	default:
		in.Kind = messaging.KindText
		in.Text = form.Get("Body")
	}
	return in, nil
}

// FormParams flattens a form for signature validation.
func FormParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
