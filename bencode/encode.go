package bencode

import (
	"bytes"
	"fmt"
)

// Encode renders v to its canonical bencode byte representation:
// integers carry no leading zeros, negative zero never appears, strings
// are length-prefixed, and dict keys are emitted in sorted order.
// Encode(Decode(b)) reproduces b exactly for any well-formed b, since
// Decode already rejects the only sources of ambiguity (unsorted keys,
// leading zeros).
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v *Value) {
	switch v.kind {
	case ByteString:
		fmt.Fprintf(buf, "%d:", len(v.str))
		buf.Write(v.str)
	case Integer:
		buf.WriteByte('i')
		buf.WriteString(v.num.String())
		buf.WriteByte('e')
	case List:
		buf.WriteByte('l')
		for _, item := range v.list {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		for _, k := range v.keys {
			encodeValue(buf, NewByteString([]byte(k)))
			encodeValue(buf, v.dict[k])
		}
		buf.WriteByte('e')
	default:
		panic("bencode: encode of Value with unknown kind")
	}
}
