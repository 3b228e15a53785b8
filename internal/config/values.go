package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written in human form, e.g. "10MB" or "512KiB".
// Units are binary: 1KB is 1024 bytes.
type ByteSize int64

func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if node.Tag == "!!int" {
		if err := node.Decode(&n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.Set(node.Value)
}

func (b ByteSize) MarshalYAML() (any, error) { return b.String(), nil }

type variantFlag Variant

func (v *variantFlag) String() string { return string(*v) }
func (v *variantFlag) Set(s string) error {
	*v = variantFlag(strings.ToLower(s))
	return nil
}

type backendFlag Backend

func (b *backendFlag) String() string { return string(*b) }
func (b *backendFlag) Set(s string) error {
	*b = backendFlag(strings.ToLower(s))
	return nil
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var (
	_ flag.Value = (*ByteSize)(nil)
	_ flag.Value = (*stringSlice)(nil)
)
