package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Blob is an opaque byte field. On the wire it is a standard base64 string;
// decoding tolerates senders that strip the trailing padding. An empty string
// decodes to an empty, non-nil Blob and JSON null to nil. Both nil and empty
// encode as "".
type Blob []byte

func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	decoded, err := DecodeBase64(s)
	if err != nil {
		return err
	}
	if decoded == nil {
		decoded = Blob{}
	}
	*b = decoded
	return nil
}

// DecodeBase64 decodes standard base64, restoring missing '=' padding first.
func DecodeBase64(s string) ([]byte, error) {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("blob: invalid base64: %w", err)
	}
	return out, nil
}

// DocumentBlob serializes v as JSON and wraps it as a Blob, the double
// encoding used for structured payloads such as temperature maps.
func DocumentBlob(v any) (Blob, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("blob: marshal document: %w", err)
	}
	return Blob(raw), nil
}

// Document unmarshals the JSON document held by the blob into v.
func (b Blob) Document(v any) error {
	if len(b) == 0 {
		return fmt.Errorf("blob: empty document")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("blob: unmarshal document: %w", err)
	}
	return nil
}
