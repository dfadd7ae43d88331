package types

// Event represents a typed event emitted by a successful state transition.
// Attributes are rendered as strings so journals and API clients see amounts
// exactly as the ledger stored them.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
