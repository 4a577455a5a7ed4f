package combined

import (
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// PayloadTooLarge is returned by Build when the combined payload would
// exceed the configured MAX_UNFRAGMENTED_SIZE guard.
type PayloadTooLarge struct {
	Size, Max int
}

func (e *PayloadTooLarge) Error() string {
	return fmt.Sprintf("combined: payload %d bytes exceeds MAX_UNFRAGMENTED_SIZE %d", e.Size, e.Max)
}

// Build constructs the client-side combined request. protected is
// an already OSCORE-protected CoAP message (its Options carry the
// OSCORE option and any others, in ascending order, but no EDHOC
// option yet); edhocMsg3 is the CBOR-bstr-encoded EDHOC_MSG_3. Build
// inserts an empty, critical EDHOC option (21) at its correct numeric
// slot and replaces the payload with `EDHOC_MSG_3 || OSCORE_PAYLOAD`.
func Build(protected *message.Message, edhocMsg3 []byte, maxUnfragmentedSize int) (*message.Message, error) {
	total := len(edhocMsg3) + len(protected.Payload)
	if total > maxUnfragmentedSize {
		return nil, &PayloadTooLarge{Size: total, Max: maxUnfragmentedSize}
	}

	out := &message.Message{
		Version: protected.Version,
		Type:    protected.Type,
		Code:    protected.Code,
		MID:     protected.MID,
		Token:   append([]byte(nil), protected.Token...),
	}
	out.Options = insertEDHOCOption(protected.Options)
	out.Payload = append(append([]byte(nil), edhocMsg3...), protected.Payload...)
	return out, nil
}

// insertEDHOCOption copies opts, inserting an empty option 21 at the
// position that keeps the list in ascending numeric order. Per RFC 9668
// section 3.1 its value MUST be ignored by receivers, so it is always
// encoded empty here regardless of what a caller might pass.
func insertEDHOCOption(opts message.Options) message.Options {
	out := make(message.Options, 0, len(opts)+1)
	inserted := false
	for _, o := range opts {
		if !inserted && o.ID > message.OptionEDHOC {
			out = append(out, message.Option{ID: message.OptionEDHOC, Value: nil})
			inserted = true
		}
		out = append(out, o)
	}
	if !inserted {
		out = append(out, message.Option{ID: message.OptionEDHOC, Value: nil})
	}
	return out
}
