package config

import "fmt"

// RedactedString holds a secret that must not leak through logs or encoders.
type RedactedString string

func (r RedactedString) String() string {
	return fmt.Sprintf("<redacted-%d-chars>", len(r))
}

func (r RedactedString) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r RedactedString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r RedactedString) MarshalBinary() ([]byte, error) {
	return r.MarshalText()
}

// Value returns the secret itself.
func (r RedactedString) Value() string {
	return string(r)
}
