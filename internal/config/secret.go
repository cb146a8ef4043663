package config

const redacted = "[REDACTED]"

// Secret holds a credential that must never reach logs or serialized
// output. Every printable form redacts; only Reveal exposes the value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal returns the raw value for signing requests.
func (s Secret) Reveal() string {
	return string(s)
}
