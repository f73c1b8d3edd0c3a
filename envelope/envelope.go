package envelope

import (
	"math"
	"strconv"

	"github.com/c360/afspm/message"
)

// For returns the envelope a message is published under.
func For(msg message.Payload) string {
	switch m := msg.(type) {
	case *message.Scan2d:
		return Key{Type: m.MessageType(), Qualifiers: []string{m.Channel, sizeField(m.Params.Size.X)}}.String()
	case *message.Spec1d:
		return Key{Type: m.MessageType(), Qualifiers: []string{m.Type}}.String()
	default:
		return msg.MessageType()
	}
}

// Scan2dKey builds a Scan2d envelope. An empty channel or zero size leaves
// that field as a wildcard.
func Scan2dKey(channel string, sizeX float64) string {
	return Key{Type: message.TypeScan2d, Qualifiers: []string{channel, sizeField(sizeX)}}.String()
}

// Spec1dKey builds a Spec1d envelope.
func Spec1dKey(specType string) string {
	return Key{Type: message.TypeSpec1d, Qualifiers: []string{specType}}.String()
}

// sizeField rounds half away from zero; zero is unspecified.
func sizeField(x float64) string {
	if x == 0 {
		return ""
	}
	return strconv.FormatInt(int64(math.Round(x)), 10)
}
