package modelkey

import (
	"fmt"
	"strings"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
)

const sep = "/"

// Key identifies a registered model.
type Key struct {
	Name string
	Base modelkind.Base
	Type modelkind.Type
}

// New returns a key for the given name, base and type.
func New(name string, base modelkind.Base, typ modelkind.Type) Key {
	return Key{Name: name, Base: base, Type: typ}
}

// String returns the serialized form "base/type/name".
func (k Key) String() string {
	return string(k.Base) + sep + string(k.Type) + sep + k.Name
}

// Parse parses a key in the "base/type/name" form. The name may itself
// contain separators.
func Parse(s string) (Key, error) {
	l := strings.SplitN(s, sep, 3)
	if len(l) != 3 {
		return Key{}, fmt.Errorf("%w: %q", errdefs.ErrMalformedKey, s)
	}
	base, err := modelkind.ParseBase(l[0])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
	}
	typ, err := modelkind.ParseType(l[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", errdefs.ErrMalformedKey, err)
	}
	if l[2] == "" {
		return Key{}, fmt.Errorf("%w: empty model name in %q", errdefs.ErrMalformedKey, s)
	}
	return New(l[2], base, typ), nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}
