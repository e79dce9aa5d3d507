package outlook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	compressedMagic   = 0x75465a4c // "LZFu"
	uncompressedMagic = 0x414c454d // "MELA"
	rtfHeaderLen      = 16
	dictSize          = 4096
)

// rtfPrebuf seeds the dictionary of every compressed RTF stream.
const rtfPrebuf = "{\\rtf1\\ansi\\mac\\deff0\\deftab720{\\fonttbl;}{\\f0\\fnil \\froman " +
	"\\fswiss \\fmodern \\fscript \\fdecor MS Sans SerifSymbolArialTimes New RomanCourier" +
	"{\\colortbl\\red0\\green0\\blue0\r\n\\par \\pard\\plain\\f0\\fs20\\b\\i\\u\\tab\\tx"

var ErrCompressedRTF = errors.New("invalid compressed rtf")

// DecompressRTF expands a PR_RTF_COMPRESSED stream into RTF source.
func DecompressRTF(data []byte) ([]byte, error) {
	if len(data) < rtfHeaderLen {
		return nil, fmt.Errorf("%w: short header", ErrCompressedRTF)
	}
	compSize := binary.LittleEndian.Uint32(data[0:4])
	rawSize := binary.LittleEndian.Uint32(data[4:8])
	magic := binary.LittleEndian.Uint32(data[8:12])
	crc := binary.LittleEndian.Uint32(data[12:16])

	body := data[rtfHeaderLen:]
	if n := int(compSize) - (rtfHeaderLen - 4); n >= 0 && n < len(body) {
		body = body[:n]
	}

	switch magic {
	case uncompressedMagic:
		if int(rawSize) < len(body) {
			body = body[:rawSize]
		}
		return append([]byte(nil), body...), nil
	case compressedMagic:
	default:
		return nil, fmt.Errorf("%w: unknown type %#x", ErrCompressedRTF, magic)
	}

	if got := ^crc32.Update(^uint32(0), crc32.IEEETable, body); got != crc {
		return nil, fmt.Errorf("%w: crc %#x, want %#x", ErrCompressedRTF, got, crc)
	}

	var dict [dictSize]byte
	copy(dict[:], rtfPrebuf)
	write := len(rtfPrebuf)
	out := make([]byte, 0, rawSize)

	put := func(b byte) {
		out = append(out, b)
		dict[write] = b
		write = (write + 1) % dictSize
	}

	for i := 0; i < len(body); {
		control := body[i]
		i++
		for bit := 0; bit < 8 && i < len(body); bit++ {
			if control&(1<<bit) == 0 {
				put(body[i])
				i++
				continue
			}
			if i+1 >= len(body) {
				return nil, fmt.Errorf("%w: truncated reference", ErrCompressedRTF)
			}
			token := int(body[i])<<8 | int(body[i+1])
			i += 2
			offset, length := token>>4, token&0xf+2
			if offset == write {
				return trimRaw(out, rawSize), nil
			}
			for n := 0; n < length; n++ {
				put(dict[offset])
				offset = (offset + 1) % dictSize
			}
		}
	}
	return trimRaw(out, rawSize), nil
}

func trimRaw(out []byte, rawSize uint32) []byte {
	if int(rawSize) < len(out) {
		return out[:rawSize]
	}
	return out
}
