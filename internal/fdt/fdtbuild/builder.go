// Package fdtbuild assembles Flattened Devicetree blobs in memory. The
// kernel only ever reads device trees; the writer exists for the loader
// side of the simulated machine, which must stage a blob in RAM before the
// kernel can boot, and doubles as the fixture source for the reader tests.
package fdtbuild

import (
	"bytes"
	"encoding/binary"
)

// Node is a device-tree node under construction.
type Node struct {
	Name     string
	props    []prop
	children []*Node
}

type prop struct {
	name  string
	value []byte
}

// NewNode returns a node with the given name. The root's name is "".
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// Prop adds a property with a raw value.
func (n *Node) Prop(name string, value []byte) *Node {
	n.props = append(n.props, prop{name: name, value: value})
	return n
}

// PropU32 adds a property of big-endian 32-bit cells.
func (n *Node) PropU32(name string, cells ...uint32) *Node {
	var buf bytes.Buffer
	for _, c := range cells {
		_ = binary.Write(&buf, binary.BigEndian, c)
	}
	return n.Prop(name, buf.Bytes())
}

// PropString adds a property of NUL-terminated strings.
func (n *Node) PropString(name string, values ...string) *Node {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return n.Prop(name, buf.Bytes())
}

// PropEmpty adds a property with no value, such as an identity ranges.
func (n *Node) PropEmpty(name string) *Node {
	return n.Prop(name, nil)
}

// Child adds and returns a child node.
func (n *Node) Child(name string) *Node {
	c := NewNode(name)
	n.children = append(n.children, c)
	return c
}

// Structure block tokens and the header magic, per the specification.
const (
	magic          = 0xd00dfeed
	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build serializes the tree rooted at root into an FDT blob.
func Build(root *Node) []byte {
	strs := &stringTable{offsets: map[string]uint32{}}

	var structBlock bytes.Buffer
	writeNode(&structBlock, root, strs)
	putU32(&structBlock, tokenEnd)

	const headerSize = 40
	const rsvmapSize = 16 // one all-zero terminator entry

	offRsvmap := uint32(headerSize)
	offStruct := offRsvmap + rsvmapSize
	offStrings := offStruct + uint32(structBlock.Len())
	totalsize := offStrings + uint32(strs.data.Len())

	var blob bytes.Buffer
	for _, v := range []uint32{
		magic,
		totalsize,
		offStruct,
		offStrings,
		offRsvmap,
		17, // version
		16, // last compatible version
		0,  // boot cpuid
		uint32(strs.data.Len()),
		uint32(structBlock.Len()),
	} {
		putU32(&blob, v)
	}

	blob.Write(make([]byte, rsvmapSize))
	blob.Write(structBlock.Bytes())
	blob.Write(strs.data.Bytes())

	return blob.Bytes()
}

func writeNode(out *bytes.Buffer, n *Node, strs *stringTable) {
	putU32(out, tokenBeginNode)
	out.WriteString(n.Name)
	out.WriteByte(0)
	pad4(out)

	for _, p := range n.props {
		putU32(out, tokenProp)
		putU32(out, uint32(len(p.value)))
		putU32(out, strs.offset(p.name))
		out.Write(p.value)
		pad4(out)
	}

	for _, c := range n.children {
		writeNode(out, c, strs)
	}

	putU32(out, tokenEndNode)
}

type stringTable struct {
	data    bytes.Buffer
	offsets map[string]uint32
}

func (s *stringTable) offset(name string) uint32 {
	if off, ok := s.offsets[name]; ok {
		return off
	}
	off := uint32(s.data.Len())
	s.offsets[name] = off
	s.data.WriteString(name)
	s.data.WriteByte(0)
	return off
}

func putU32(out *bytes.Buffer, v uint32) {
	_ = binary.Write(out, binary.BigEndian, v)
}

func pad4(out *bytes.Buffer) {
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
}

// RaspberryPi3 builds a tree shaped like a BCM2837 board: a soc bus whose
// ranges remap 0x7e000000 device addresses to 0x3f000000, a UART, a
// watchdog with two reg entries, an SPI bus with zero size cells, memory
// and reserved-memory nodes. It is the shared fixture for the reader and
// bring-up tests.
func RaspberryPi3() []byte {
	root := NewNode("")
	root.PropU32("#address-cells", 1)
	root.PropU32("#size-cells", 1)
	root.PropString("compatible", "raspberrypi,3-model-b", "brcm,bcm2837")
	root.PropString("model", "Raspberry Pi 3 Model B")

	aliases := root.Child("aliases")
	aliases.PropString("serial0", "/soc/serial@7e201000")

	memory := root.Child("memory@0")
	memory.PropString("device_type", "memory")
	memory.PropU32("reg", 0x0, 0x3b400000)

	rsv := root.Child("reserved-memory")
	rsv.PropU32("#address-cells", 1)
	rsv.PropU32("#size-cells", 1)
	rsv.PropEmpty("ranges")
	cma := rsv.Child("linux,cma")
	cma.PropString("compatible", "shared-dma-pool")
	cma.PropU32("size", 0x4000000)
	cma.PropEmpty("reusable")

	root.Child("thermal-zones")

	soc := root.Child("soc")
	soc.PropU32("#address-cells", 1)
	soc.PropU32("#size-cells", 1)
	soc.PropU32("ranges",
		0x7e000000, 0x3f000000, 0x1000000,
		0x40000000, 0x40000000, 0x1000)

	soc.Child("txp@7e004000")

	watchdog := soc.Child("watchdog@7e100000")
	watchdog.PropString("compatible", "brcm,bcm2835-pm-wdt")
	watchdog.PropU32("reg", 0x7e100000, 0x114, 0x7e00a000, 0x24)

	soc.Child("gpio@7e200000")

	serial := soc.Child("serial@7e201000")
	serial.PropString("compatible", "arm,pl011", "arm,primecell")
	serial.PropU32("reg", 0x7e201000, 0x200)

	spi := soc.Child("spi@7e204000")
	spi.PropU32("#address-cells", 1)
	spi.PropU32("#size-cells", 0)
	spidev := spi.Child("spidev@0")
	spidev.PropU32("reg", 0x0)

	mmc := soc.Child("mmc@7e300000")
	mmc.PropString("compatible", "brcm,bcm2835-sdhci")

	mmcnr := soc.Child("mmcnr@7e300000")
	mmcnr.PropString("compatible", "brcm,bcm2835-mmc", "brcm,bcm2835-sdhci")

	return Build(root)
}
