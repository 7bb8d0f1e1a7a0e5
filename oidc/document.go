package oidc

import "encoding/json"

// Document is a generic JSON object.  The token endpoint and the
// verification service both reply with provider-defined shapes that this
// package does not control, so their bodies are held as Documents and only
// individual well-known fields (see ExtractVPToken) are ever
// projected out.
type Document map[string]interface{}

// GetString returns the named field when it's present and a string.
func (d Document) GetString(field string) (string, bool) {
	if d == nil {
		return "", false
	}
	v, ok := d[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// JSON renders the document as indented JSON, which is handy for display.
func (d Document) JSON() string {
	if d == nil {
		return ""
	}
	b, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return ""
	}
	return string(b)
}
