package backend

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Codec converts between a backend character set and UTF-8 text.
type Codec struct {
	name string
	enc  encoding.Encoding
}

// NewCodec returns the codec for the named charset. Recognised names are
// utf-8 (the default for an empty name), iso-8859-1, windows-1252 and cp437,
// plus their common aliases.
//
// Postcondition: Returns a non-nil Codec or an error naming the unknown charset.
func NewCodec(name string) (*Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return &Codec{name: "utf-8", enc: unicode.UTF8}, nil
	case "iso-8859-1", "latin1", "latin-1":
		return &Codec{name: "iso-8859-1", enc: charmap.ISO8859_1}, nil
	case "windows-1252", "cp1252":
		return &Codec{name: "windows-1252", enc: charmap.Windows1252}, nil
	case "cp437", "ibm437":
		return &Codec{name: "cp437", enc: charmap.CodePage437}, nil
	default:
		return nil, fmt.Errorf("unknown charset %q", name)
	}
}

// Name returns the canonical charset name.
func (c *Codec) Name() string { return c.name }

// NewDecoder returns a fresh stateful decoder for one backend stream.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{t: c.enc.NewDecoder()}
}

// Encode converts outbound text to the backend charset, replacing characters
// the charset cannot represent.
func (c *Codec) Encode(text string) []byte {
	if c.name == "utf-8" {
		return []byte(text)
	}
	out, _, err := transform.Bytes(encoding.ReplaceUnsupported(c.enc.NewEncoder()), []byte(text))
	if err != nil {
		return []byte(text)
	}
	return out
}

// Decoder turns backend byte chunks into text. An incomplete multi-byte
// sequence at the end of a chunk is held until the next chunk; undecodable
// bytes become U+FFFD.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	t     transform.Transformer
	carry []byte
}

// Decode returns the text for chunk, prefixed by any sequence carried over
// from the previous call.
func (d *Decoder) Decode(chunk []byte) string {
	return d.transform(chunk, false)
}

// Flush decodes whatever is still carried, as if the stream had ended.
func (d *Decoder) Flush() string {
	return d.transform(nil, true)
}

// Reset discards carried bytes and decoder state.
func (d *Decoder) Reset() {
	d.carry = nil
	d.t.Reset()
}

func (d *Decoder) transform(chunk []byte, atEOF bool) string {
	src := chunk
	if len(d.carry) > 0 {
		src = append(d.carry, chunk...)
		d.carry = nil
	}
	if len(src) == 0 {
		return ""
	}

	var b strings.Builder
	dst := make([]byte, len(src)*3+8)
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		b.Write(dst[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			return b.String()
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, len(dst)*2)
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.carry = append([]byte(nil), src...)
			return b.String()
		default:
			// Decoders substitute rather than fail; drop one byte and go on.
			b.WriteString("�")
			if len(src) == 0 {
				return b.String()
			}
			src = src[1:]
		}
	}
}
