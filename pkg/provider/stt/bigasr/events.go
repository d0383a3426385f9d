package bigasr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/bigasr/protocol"
)

// EventKind classifies a decoded server frame.
type EventKind int

const (
	EventPartial EventKind = iota + 1
	EventFinal
	EventServerError
	EventHandshakeOK
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventServerError:
		return "server_error"
	case EventHandshakeOK:
		return "handshake_ok"
	case EventConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// Event is the session-level meaning of one server frame.
type Event struct {
	Kind       EventKind
	Text       string
	Utterances []stt.Utterance

	// Code and Message are set for EventServerError and EventConnectionFailed.
	Code    uint32
	Message string

	// AudioDuration is the server's view of how much audio it has processed.
	AudioDuration time.Duration
}

// serverResponse is the JSON body of a full server response.
type serverResponse struct {
	Result    json.RawMessage `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// resultObject is the object form of the "result" field.
type resultObject struct {
	Text       string `json:"text"`
	Utterances []struct {
		Text      string `json:"text"`
		Definite  bool   `json:"definite"`
		StartTime int64  `json:"start_time"`
		EndTime   int64  `json:"end_time"`
	} `json:"utterances"`
}

// errorBody is the JSON body of a server error frame. The service has used
// both keys over time.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// translate maps a decoded frame onto an Event. ok is false for frames that
// carry nothing the session acts on, such as a non-final response without
// text.
func translate(f *protocol.Frame) (ev Event, ok bool, err error) {
	switch f.Type {
	case protocol.TypeServerError:
		return Event{Kind: EventServerError, Code: f.ErrorCode, Message: errorMessage(f.Payload)}, true, nil

	case protocol.TypeFullServerResponse:
		switch f.Event {
		case protocol.EventHandshakeOK:
			return Event{Kind: EventHandshakeOK}, true, nil
		case protocol.EventConnectionFailed:
			return Event{
				Kind:    EventConnectionFailed,
				Code:    uint32(protocol.EventConnectionFailed),
				Message: errorMessage(f.Payload),
			}, true, nil
		}

		text, utts, dur, err := parseResult(f.Payload)
		if err != nil {
			return Event{}, false, err
		}
		if f.Flags.IsLast() {
			return Event{Kind: EventFinal, Text: text, Utterances: utts, AudioDuration: dur}, true, nil
		}
		if text == "" {
			return Event{}, false, nil
		}
		return Event{Kind: EventPartial, Text: text, Utterances: utts, AudioDuration: dur}, true, nil

	default:
		return Event{}, false, nil
	}
}

// parseResult extracts the transcript text from a response payload. The
// result field is either an object with text and utterances, or a list of
// items of which the last non-empty text wins.
func parseResult(payload []byte) (string, []stt.Utterance, time.Duration, error) {
	if len(payload) == 0 {
		return "", nil, 0, nil
	}
	var resp serverResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", nil, 0, fmt.Errorf("%w: response: %w", ErrProtocolParse, err)
	}
	dur := time.Duration(resp.AudioInfo.Duration) * time.Millisecond

	raw := strings.TrimSpace(string(resp.Result))
	switch {
	case raw == "" || raw == "null":
		return "", nil, dur, nil

	case strings.HasPrefix(raw, "["):
		var items []resultObject
		if err := json.Unmarshal(resp.Result, &items); err != nil {
			return "", nil, 0, fmt.Errorf("%w: result list: %w", ErrProtocolParse, err)
		}
		var text string
		var utts []stt.Utterance
		for _, it := range items {
			if it.Text != "" {
				text = it.Text
				utts = it.utterances()
			}
		}
		return text, utts, dur, nil

	default:
		var obj resultObject
		if err := json.Unmarshal(resp.Result, &obj); err != nil {
			return "", nil, 0, fmt.Errorf("%w: result: %w", ErrProtocolParse, err)
		}
		return obj.Text, obj.utterances(), dur, nil
	}
}

func (r resultObject) utterances() []stt.Utterance {
	if len(r.Utterances) == 0 {
		return nil
	}
	out := make([]stt.Utterance, 0, len(r.Utterances))
	for _, u := range r.Utterances {
		out = append(out, stt.Utterance{
			Text:     u.Text,
			Definite: u.Definite,
			Start:    time.Duration(u.StartTime) * time.Millisecond,
			End:      time.Duration(u.EndTime) * time.Millisecond,
		})
	}
	return out
}

func errorMessage(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var body errorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(payload))
}
