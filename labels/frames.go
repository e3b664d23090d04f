package labels

import (
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Event stream framing: each websocket message is a CBOR header object
// followed directly by a CBOR body object.
const (
	frameOpMessage = 1
	frameOpError   = -1

	InfoOutdatedCursor = "OutdatedCursor"
)

func frame(header, body map[string]any) ([]byte, error) {
	h, err := cbor.DumpObject(header)
	if err != nil {
		return nil, err
	}
	b, err := cbor.DumpObject(body)
	if err != nil {
		return nil, err
	}
	return append(h, b...), nil
}

// Frame encodes the event as a #labels message.
func (e *Event) Frame() ([]byte, error) {
	lbls := make([]any, 0, len(e.Labels))
	for i := range e.Labels {
		lbls = append(lbls, e.Labels[i].Data())
	}
	return frame(
		map[string]any{"op": frameOpMessage, "t": "#labels"},
		map[string]any{"seq": e.Seq, "labels": lbls},
	)
}

// InfoFrame encodes an informational #info message.
func InfoFrame(name, message string) ([]byte, error) {
	body := map[string]any{"name": name}
	if message != "" {
		body["message"] = message
	}
	return frame(map[string]any{"op": frameOpMessage, "t": "#info"}, body)
}

// ErrorFrame encodes a terminal error message; the stream is closed after it.
func ErrorFrame(name, message string) ([]byte, error) {
	body := map[string]any{"error": name}
	if message != "" {
		body["message"] = message
	}
	return frame(map[string]any{"op": frameOpError}, body)
}
