package tlv

import (
	"encoding/json"
	"fmt"
)

type renderedRecord struct {
	Type   string `json:"Type"`
	Tag    uint32 `json:"Tag"`
	Length uint32 `json:"Length"`
	Data   any    `json:"Data,omitempty"`
	Error  string `json:"Error,omitempty"`
}

type renderedFrame struct {
	Header Header           `json:"Header"`
	TLVs   []renderedRecord `json:"TLVs"`
	Error  string           `json:"Error,omitempty"`
}

// Render transcodes a decoded frame into one line of JSON terminated by a
// newline. Opaque records are listed with their tag and length only.
func Render(f *Frame) ([]byte, error) {
	out := renderedFrame{
		Header: f.Header,
		TLVs:   make([]renderedRecord, 0, len(f.Records)),
	}
	if f.Err != nil {
		out.Error = f.Err.Error()
	}
	for _, rec := range f.Records {
		r := renderedRecord{
			Type:   rec.Type.String(),
			Tag:    uint32(rec.Type),
			Length: rec.Length,
		}
		switch {
		case rec.Err != nil:
			r.Error = rec.Err.Error()
		case isOpaque(rec.Value):
		default:
			r.Data = rec.Value
		}
		out.TLVs = append(out.TLVs, r)
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("tlv: render frame %d: %w", f.Header.FrameNumber, err)
	}
	return append(b, '\n'), nil
}

func isOpaque(v any) bool {
	_, ok := v.(Opaque)
	return ok
}
