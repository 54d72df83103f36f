package events

import (
	"encoding/json"
	"fmt"
)

// Encode marshals an event's wire data (the envelope Data field and the
// persisted content column share this form).
func Encode(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Kind(), err)
	}
	return raw, nil
}

// Decode reconstructs an event from its persisted kind and content, used
// when replaying the event log to a reconnected client. Fields excluded
// from the wire form (Hidden, Agent on tool events) are restored by the
// caller from the event row, not the content blob.
func Decode(kind Kind, content []byte) (Event, error) {
	var (
		e   Event
		err error
	)
	switch kind {
	case KindSelectSpeaker:
		e, err = decodeAs[SelectSpeaker](content)
	case KindPrint:
		e, err = decodeAs[Print](content)
	case KindText:
		e, err = decodeAs[Text](content)
	case KindInputRequest:
		e, err = decodeAs[InputRequest](content)
	case KindInputAck:
		e, err = decodeAs[InputAck](content)
	case KindInputTimeout:
		e, err = decodeAs[InputTimeout](content)
	case KindToolCall:
		e, err = decodeAs[ToolCall](content)
	case KindToolResponse:
		e, err = decodeAs[ToolResponse](content)
	case KindToolProgress:
		e, err = decodeAs[ToolProgress](content)
	case KindUsageDelta:
		e, err = decodeAs[UsageDelta](content)
	case KindUsageSummary:
		e, err = decodeAs[UsageSummary](content)
	case KindRunComplete:
		e, err = decodeAs[RunComplete](content)
	case KindError:
		e, err = decodeAs[Error](content)
	case KindResumeBoundary:
		e = ResumeBoundary{}
	case KindStructuredOutputReady:
		e, err = decodeAs[StructuredOutputReady](content)
	case KindAttachmentUploaded:
		e, err = decodeAs[AttachmentUploaded](content)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", kind, err)
	}
	return e, nil
}

func decodeAs[T Event](content []byte) (Event, error) {
	var v T
	if len(content) > 0 {
		if err := json.Unmarshal(content, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
