package broadcast

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the application message kind a broadcast belongs to. It occupies
// one byte on the wire; unnamed values are valid.
type Kind uint8

const (
	KindAvssSimpl Kind = iota
	KindBingo
	KindLightWeight
	KindBadger
	KindHbAvss
	KindHaven
)

var kindNames = [...]string{"avss_simpl", "bingo", "light_weight", "badger", "hb_avss", "haven"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind accepts a kind name or a decimal byte value.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
	return Kind(v), nil
}

// Tag identifies one broadcast instance: the message kind plus a
// host-chosen instance number so many broadcasts of the same kind can run
// side by side.
type Tag struct {
	Kind     Kind
	Instance uint64
}

func (t Tag) String() string {
	return t.Kind.String() + "/" + strconv.FormatUint(t.Instance, 10)
}
