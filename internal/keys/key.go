package keys

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a canonical key string cannot be parsed.
var ErrInvalidKey = errors.New("keys: invalid key")

// Key identifies one unit of cacheable upstream work. It is comparable and is
// used directly as a map key.
type Key struct {
	Region   string `json:"region"`
	Category string `json:"category"`
	SubType  string `json:"subType"`
}

// New normalizes the parts so equality stays structural regardless of caller casing.
func New(region, category, subType string) Key {
	return Key{
		Region:   strings.ToUpper(strings.TrimSpace(region)),
		Category: strings.ToUpper(strings.TrimSpace(category)),
		SubType:  strings.ToUpper(strings.TrimSpace(subType)),
	}
}

// String returns the canonical REGION:CATEGORY:SUBTYPE form.
func (k Key) String() string {
	return k.Region + ":" + k.Category + ":" + k.SubType
}

func (k Key) IsZero() bool {
	return k.Region == "" && k.Category == "" && k.SubType == ""
}

// Parse accepts the canonical form produced by String.
func Parse(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := New(parts[0], parts[1], parts[2])
	if k.Region == "" || k.Category == "" || k.SubType == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return k, nil
}

// MarshalText lets keys serve as JSON object keys.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
