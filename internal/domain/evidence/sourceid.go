package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type sourceIDKind uint8

const (
	sourceIDNull sourceIDKind = iota
	sourceIDString
	sourceIDNumber
)

// SourceID identifies the document a fragment came from. Upstream sends it as
// a JSON string, number or null. SourceID is comparable, so it can be part of
// a map key; "1" and 1 are different documents.
type SourceID struct {
	kind sourceIDKind
	text string
}

// StringSourceID returns a string-valued source ID.
func StringSourceID(s string) SourceID {
	return SourceID{kind: sourceIDString, text: s}
}

// NumberSourceID returns a numeric source ID.
func NumberSourceID(n int64) SourceID {
	return SourceID{kind: sourceIDNumber, text: strconv.FormatInt(n, 10)}
}

// NullSourceID returns the ID used for fragments without a source document.
func NullSourceID() SourceID {
	return SourceID{}
}

func (id SourceID) IsNull() bool {
	return id.kind == sourceIDNull
}

func (id SourceID) IsNumber() bool {
	return id.kind == sourceIDNumber
}

// String returns the display form. Null renders as an empty string.
func (id SourceID) String() string {
	return id.text
}

func (id SourceID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case sourceIDString:
		return json.Marshal(id.text)
	case sourceIDNumber:
		return []byte(id.text), nil
	default:
		return []byte("null"), nil
	}
}

func (id *SourceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = SourceID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode source_id: %w", err)
		}
		*id = StringSourceID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("source_id must be a string, number or null: %w", err)
	}
	*id = SourceID{kind: sourceIDNumber, text: n.String()}
	return nil
}

// DocumentKey identifies one logical source document.
type DocumentKey struct {
	SourceType string
	SourceID   SourceID
}

func (k DocumentKey) String() string {
	if k.SourceID.IsNull() {
		return k.SourceType
	}
	return k.SourceType + "-" + k.SourceID.String()
}
