package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// KeyKind is an enum that indicates which field of a PrimaryKey is populated.
type KeyKind uint8

const (
	KeyKindString KeyKind = iota + 1
	KeyKindInt
	KeyKindGUID
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindString:
		return "s"
	case KeyKindInt:
		return "i"
	case KeyKindGUID:
		return "g"
	default:
		return "?"
	}
}

// PrimaryKey is the per-type part of a grain's identity. It is a comparable value type so
// identities can be used as map keys.
type PrimaryKey struct {
	Kind KeyKind   `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Int  int64     `json:"int,omitempty"`
	GUID uuid.UUID `json:"guid,omitempty"`
}

// NewStringKey creates a string PrimaryKey.
func NewStringKey(k string) PrimaryKey {
	return PrimaryKey{Kind: KeyKindString, Str: k}
}

// NewIntKey creates an integer PrimaryKey.
func NewIntKey(k int64) PrimaryKey {
	return PrimaryKey{Kind: KeyKindInt, Int: k}
}

// NewGUIDKey creates a GUID PrimaryKey.
func NewGUIDKey(k uuid.UUID) PrimaryKey {
	return PrimaryKey{Kind: KeyKindGUID, GUID: k}
}

// IntKey returns the integer value of the key and whether the key is an integer key.
func (k PrimaryKey) IntKey() (int64, bool) {
	return k.Int, k.Kind == KeyKindInt
}

// StringKey returns the string value of the key and whether the key is a string key.
func (k PrimaryKey) StringKey() (string, bool) {
	return k.Str, k.Kind == KeyKindString
}

// GUIDKey returns the GUID value of the key and whether the key is a GUID key.
func (k PrimaryKey) GUIDKey() (uuid.UUID, bool) {
	return k.GUID, k.Kind == KeyKindGUID
}

func (k PrimaryKey) String() string {
	switch k.Kind {
	case KeyKindString:
		return "s:" + k.Str
	case KeyKindInt:
		return "i:" + strconv.FormatInt(k.Int, 10)
	case KeyKindGUID:
		return "g:" + k.GUID.String()
	default:
		return "?:"
	}
}

// Validate returns an error if the key is malformed.
func (k PrimaryKey) Validate() error {
	switch k.Kind {
	case KeyKindString:
		if k.Str == "" {
			return errors.New("string key cannot be empty")
		}
		return nil
	case KeyKindInt, KeyKindGUID:
		return nil
	default:
		return fmt.Errorf("unknown key kind: %d", k.Kind)
	}
}

// ActorIdentity uniquely identifies a grain: at most one activation exists per identity at
// any given time.
type ActorIdentity struct {
	Type string     `json:"type"`
	Key  PrimaryKey `json:"key"`
}

// NewActorIdentity creates a new ActorIdentity.
func NewActorIdentity(grainType string, key PrimaryKey) (ActorIdentity, error) {
	id := ActorIdentity{Type: grainType, Key: key}
	if err := id.Validate(); err != nil {
		return ActorIdentity{}, err
	}
	return id, nil
}

// Validate returns an error if the identity is malformed.
func (a ActorIdentity) Validate() error {
	if a.Type == "" {
		return errors.New("grain type cannot be empty")
	}
	if strings.Contains(a.Type, "/") {
		return fmt.Errorf("grain type cannot contain '/': %s", a.Type)
	}
	if err := a.Key.Validate(); err != nil {
		return fmt.Errorf("invalid key for grain type: %s: %w", a.Type, err)
	}
	return nil
}

// String returns the canonical form of the identity: <type>/<kind>:<key>.
func (a ActorIdentity) String() string {
	return a.Type + "/" + a.Key.String()
}

// ParseIdentity parses the output of ActorIdentity.String().
func ParseIdentity(s string) (ActorIdentity, error) {
	grainType, rest, ok := strings.Cut(s, "/")
	if !ok {
		return ActorIdentity{}, fmt.Errorf("ParseIdentity: missing '/' in: %s", s)
	}
	kind, raw, ok := strings.Cut(rest, ":")
	if !ok {
		return ActorIdentity{}, fmt.Errorf("ParseIdentity: missing key kind in: %s", s)
	}

	var key PrimaryKey
	switch kind {
	case "s":
		key = NewStringKey(raw)
	case "i":
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ActorIdentity{}, fmt.Errorf("ParseIdentity: invalid int key: %s: %w", raw, err)
		}
		key = NewIntKey(i)
	case "g":
		g, err := uuid.Parse(raw)
		if err != nil {
			return ActorIdentity{}, fmt.Errorf("ParseIdentity: invalid guid key: %s: %w", raw, err)
		}
		key = NewGUIDKey(g)
	default:
		return ActorIdentity{}, fmt.Errorf("ParseIdentity: unknown key kind: %s", kind)
	}

	return NewActorIdentity(grainType, key)
}
