package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxLabelLength is the longest label accepted by the protocol.
const MaxLabelLength = 100

// IDMode selects how item identifiers are generated for a deployment.
// Mixing modes within one deployment breaks id uniqueness.
type IDMode string

const (
	// IDModeClient means clients generate globally-unique tokens at add time.
	IDModeClient IDMode = "client"
	// IDModeServer means the record store assigns monotonic integer ids at
	// insertion time.
	IDModeServer IDMode = "server"
)

func ParseIDMode(s string) (IDMode, error) {
	switch IDMode(s) {
	case IDModeClient, IDModeServer:
		return IDMode(s), nil
	default:
		return "", fmt.Errorf("unknown id mode %q", s)
	}
}

// ItemID is an item identifier. Depending on the deployment mode it is either
// a server-assigned integer or a client-generated token, and it must re-encode
// on the wire exactly as it arrived, so it remembers which form it had.
type ItemID struct {
	text    string
	numeric bool
}

// ID builds a token-form id.
func ID(s string) ItemID {
	return ItemID{text: s}
}

// NumericID builds an integer-form id.
func NumericID(n int64) ItemID {
	return ItemID{text: strconv.FormatInt(n, 10), numeric: true}
}

// NewClientID generates a fresh token-form id. Tokens from the same source
// sort by creation time.
func NewClientID() ItemID {
	return ID(ulid.Make().String())
}

func (i ItemID) String() string {
	return i.text
}

func (i ItemID) IsZero() bool {
	return i.text == ""
}

func (i ItemID) Int64() (int64, bool) {
	if !i.numeric {
		return 0, false
	}
	n, err := strconv.ParseInt(i.text, 10, 64)
	return n, err == nil
}

func (i ItemID) MarshalJSON() ([]byte, error) {
	if i.numeric {
		return []byte(i.text), nil
	}
	return json.Marshal(i.text)
}

func (i *ItemID) UnmarshalJSON(raw []byte) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*i = ItemID{text: s}
		return nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("id must be a string or an integer: %w", err)
	}
	*i = NumericID(n)
	return nil
}

// Item is one todo entry as it appears on the wire and in every replica.
type Item struct {
	ID        ItemID    `json:"id"`
	Label     string    `json:"label"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidateLabel rejects labels the record store would refuse anyway, before
// they leave the client.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label must not be empty")
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("label exceeds %d characters", MaxLabelLength)
	}
	return nil
}
