/*Package portmap holds the fixed port descriptor table referenced by
the protocol ("Port map"): per data-port metadata describing which topic a
port's decoded samples publish to, which field/element type the stream
decompressor should produce, and the downsample factor used to convert
sample-id advances between the instrument's 2 Msps raw time base and the
port's actual rate.

Ports 0-3 are reserved for handshake/pubsub/log/memory traffic and carry no
sample stream; they are present in the table so a port id always resolves,
matching envsrv/cfg.go's table-of-structs config shape.
*/
package portmap

// ElementType is the numeric representation of a port's decoded samples
type ElementType int

const (
	// ElemInt is a signed integer element
	ElemInt ElementType = iota
	// ElemUint is an unsigned integer element
	ElemUint
	// ElemFloat is an IEEE-754 floating point element
	ElemFloat
)

// Reserved ports, per the protocol
const (
	PortHandshake = 0
	PortPubSub    = 1
	PortLog       = 2
	PortMemory    = 3

	// FirstDataPort is the first port id eligible to carry a sample stream
	FirstDataPort = 16
)

// Port describes one entry of the fixed port table
type Port struct {
	// ID is the port id carried in the stream frame header
	ID int

	// ControlTopic is the topic used to configure this port (range, enable, etc.)
	ControlTopic string

	// DataTopic is the topic decoded samples are published under
	DataTopic string

	// FieldID identifies the logical measurement (current, voltage, power, ...)
	FieldID int

	// FieldIndex distinguishes multiple instances of the same field (gpi0 vs gpi1)
	FieldIndex int

	// Element is the decoded sample's numeric representation
	Element ElementType

	// BitSizePow2 is log2 of the element's bit width (0->1bit, 2->4bit, 3->8bit, 4->16bit, 5->32bit)
	BitSizePow2 uint

	// Downsample is the factor relating this port's native sample rate to the
	// 2 Msps raw time base: native_delta = raw_delta / Downsample
	Downsample uint32
}

// BitSize returns the element width in bits
func (p Port) BitSize() uint {
	return 1 << p.BitSizePow2
}

// Table is the fixed port map. Index is the port id.
var Table = map[int]Port{
	PortHandshake: {ID: PortHandshake, ControlTopic: "h/link", DataTopic: ""},
	PortPubSub:    {ID: PortPubSub, ControlTopic: "h/pubsub", DataTopic: ""},
	PortLog:       {ID: PortLog, ControlTopic: "h/log", DataTopic: ""},
	PortMemory:    {ID: PortMemory, ControlTopic: "h/mem", DataTopic: ""},

	16: {ID: 16, ControlTopic: "s/i/ctrl", DataTopic: "s/i/!data", FieldID: 0, Element: ElemFloat, BitSizePow2: 5, Downsample: 1},
	17: {ID: 17, ControlTopic: "s/v/ctrl", DataTopic: "s/v/!data", FieldID: 1, Element: ElemFloat, BitSizePow2: 5, Downsample: 1},
	18: {ID: 18, ControlTopic: "s/p/ctrl", DataTopic: "s/p/!data", FieldID: 2, Element: ElemFloat, BitSizePow2: 5, Downsample: 1},
	19: {ID: 19, ControlTopic: "s/i/range/ctrl", DataTopic: "s/i/range/!data", FieldID: 3, Element: ElemUint, BitSizePow2: 2, Downsample: 1},
	20: {ID: 20, ControlTopic: "s/gpi/0/ctrl", DataTopic: "s/gpi/0/!data", FieldID: 4, FieldIndex: 0, Element: ElemUint, BitSizePow2: 0, Downsample: 1},
	21: {ID: 21, ControlTopic: "s/gpi/1/ctrl", DataTopic: "s/gpi/1/!data", FieldID: 4, FieldIndex: 1, Element: ElemUint, BitSizePow2: 0, Downsample: 1},
	22: {ID: 22, ControlTopic: "s/gpi/2/ctrl", DataTopic: "s/gpi/2/!data", FieldID: 4, FieldIndex: 2, Element: ElemUint, BitSizePow2: 0, Downsample: 1},
	23: {ID: 23, ControlTopic: "s/gpi/3/ctrl", DataTopic: "s/gpi/3/!data", FieldID: 4, FieldIndex: 3, Element: ElemUint, BitSizePow2: 0, Downsample: 1},
	24: {ID: 24, ControlTopic: "s/uart/0/ctrl", DataTopic: "s/uart/0/!data", FieldID: 5, Element: ElemUint, BitSizePow2: 3, Downsample: 1},
}

// Lookup returns the descriptor for a port id and whether it was found
func Lookup(id int) (Port, bool) {
	p, ok := Table[id]
	return p, ok
}

// IsDataPort reports whether id carries a sample stream (id >= FirstDataPort)
func IsDataPort(id int) bool {
	return id >= FirstDataPort
}
