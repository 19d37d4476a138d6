/*Package stream implements the variable-length bit-packed per-port sample
stream decoder described in the protocol. A per-port byte payload begins
with a 32-bit sample-id (quoted at 2 Msps, per the protocol) followed by
packed data whose compression scheme depends on the field's element bit
size: f32/u16/u8 are uncompressed, u4 (current range) uses 16-bit RLE, and
u1 (binary/GPI) uses a three-length prefix-coded RLE.

The bit-twiddling style (GetBit/SetBit, linear byte scanning with a small
state flag) is adapted from util/util.go and from nkt/telegram.go's
sanitize/reverseSanitize byte scanner.
*/
package stream

import (
	"encoding/binary"
	"math"

	"github.com/instrumentlab/edrv/internal/errs"
	"github.com/instrumentlab/edrv/internal/portmap"
	"github.com/instrumentlab/edrv/util"
)

// Decoded holds the sample-id header and the expanded, typed sample data
// for one port payload.
type Decoded struct {
	SampleID uint32
	// Samples holds one decoded value per sample as a float64 regardless of
	// the source element type, for uniform downstream handling by the
	// suppressor and reassembly layers; the original element type/bit size
	// are carried alongside in the owning portmap.Port for re-encoding.
	Samples []float64
}

// Decode expands a port payload (sample-id header + packed data) according
// to the port's element bit size.
func Decode(payload []byte, p portmap.Port) (Decoded, error) {
	if len(payload) < 4 {
		return Decoded{}, errs.Wrap(errs.StreamDecode, "payload shorter than sample-id header (%d bytes)", len(payload))
	}
	sampleID := binary.LittleEndian.Uint32(payload[0:4])
	body := payload[4:]

	var samples []float64
	var err error
	switch p.BitSizePow2 {
	case 5: // f32, 32 bits
		samples, err = decodeF32(body)
	case 4: // u16, 16 bits
		samples, err = decodeU16(body)
	case 3: // u8, 8 bits
		samples, err = decodeU8(body)
	case 2: // u4 current-range, 16-bit RLE
		samples, err = decodeU4RLE(body)
	case 0: // u1 binary, prefix-coded RLE
		samples, err = decodeU1RLE(body)
	default:
		return Decoded{}, errs.Wrap(errs.StreamDecode, "unsupported element bit size 2^%d", p.BitSizePow2)
	}
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{SampleID: sampleID, Samples: samples}, nil
}

func decodeF32(body []byte) ([]float64, error) {
	if len(body)%4 != 0 {
		return nil, errs.Wrap(errs.StreamDecode, "f32 body length %d not a multiple of 4", len(body))
	}
	n := len(body) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(body[i*4:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

func decodeU16(body []byte) ([]float64, error) {
	if len(body)%2 != 0 {
		return nil, errs.Wrap(errs.StreamDecode, "u16 body length %d not a multiple of 2", len(body))
	}
	n := len(body) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(binary.LittleEndian.Uint16(body[i*2:]))
	}
	return out, nil
}

func decodeU8(body []byte) ([]float64, error) {
	out := make([]float64, len(body))
	for i, b := range body {
		out[i] = float64(b)
	}
	return out, nil
}

// decodeU4RLE decodes the 16-bit current-range RLE of the protocol: each
// 16-bit group encodes value=x (low 4 bits) and length=z (upper 12 bits)+1,
// producing 1..4096 samples of value x.
func decodeU4RLE(body []byte) ([]float64, error) {
	if len(body)%2 != 0 {
		return nil, errs.Wrap(errs.StreamDecode, "u4 RLE body length %d not a multiple of 2", len(body))
	}
	var out []float64
	for i := 0; i < len(body); i += 2 {
		group := binary.LittleEndian.Uint16(body[i:])
		value := float64(group & 0x0F)
		length := int(group>>4) + 1
		if length < 1 {
			return nil, errs.Wrap(errs.StreamDecode, "u4 RLE group at byte %d produced zero samples", i)
		}
		for j := 0; j < length; j++ {
			out = append(out, value)
		}
	}
	return out, nil
}

// decodeU1RLE decodes the prefix-coded binary RLE of the protocol:
//
//	0xxxxxxx            -> 7 literal samples, low 7 bits, LSB first
//	10xzzzzz             -> value x, run length z+8       (8..39)
//	110xzzzz zzzzzzzz    -> value x, run length z+40      (40..4135), two bytes
func decodeU1RLE(body []byte) ([]float64, error) {
	var out []float64
	i := 0
	for i < len(body) {
		b := body[i]
		switch {
		case b&0x80 == 0: // 0xxxxxxx: 7 literal samples
			for bit := uint(0); bit < 7; bit++ {
				out = append(out, boolToF(util.GetBit(b, bit)))
			}
			i++
		case b&0xC0 == 0x80: // 10xzzzzz
			x := util.GetBit(b, 5)
			z := int(b & 0x1F)
			length := z + 8
			appendRun(&out, x, length)
			i++
		case b&0xE0 == 0xC0: // 110xzzzz zzzzzzzz
			if i+1 >= len(body) {
				return nil, errs.Wrap(errs.StreamDecode, "truncated 13-bit RLE group at byte %d", i)
			}
			x := util.GetBit(b, 4)
			zHigh := int(b & 0x0F)
			zLow := int(body[i+1])
			z := zHigh<<8 | zLow
			length := z + 40
			appendRun(&out, x, length)
			i += 2
		default:
			return nil, errs.Wrap(errs.StreamDecode, "unrecognized u1 RLE prefix %#08b at byte %d", b, i)
		}
	}
	return out, nil
}

func appendRun(out *[]float64, value bool, length int) {
	v := boolToF(value)
	for j := 0; j < length; j++ {
		*out = append(*out, v)
	}
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
