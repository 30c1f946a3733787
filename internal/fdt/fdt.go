// Package fdt reads the Flattened Devicetree binary format.
//
// The reader is zero-copy and makes no allocations on its parse paths: nodes
// and properties are just index windows into the caller's buffer, so it is
// safe to use while setting up memory during bring-up. The format is
// documented in the Devicetree specification, https://www.devicetree.org/specifications/.
package fdt

import (
	"encoding/binary"
	"errors"
	"strings"
)

var (
	// ErrInvalidHeader is returned when the buffer is too short to carry
	// a header at all.
	ErrInvalidHeader = errors.New("fdt: invalid header")

	// ErrInvalidMagic is returned when the header magic is not 0xd00dfeed.
	ErrInvalidMagic = errors.New("fdt: invalid magic")

	// ErrBufferTooSmall is returned when the buffer does not match the
	// header's totalsize.
	ErrBufferTooSmall = errors.New("fdt: buffer does not match totalsize")
)

// Magic is the value of the first big-endian word of every FDT blob.
const Magic = 0xd00dfeed

// HeaderSize is the byte size of the FDT header, the minimum a caller must
// provide to Probe.
const HeaderSize = 40

// Structure block tokens, as numbered by the specification.
const (
	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

func align4(n int) int { return (n + 3) &^ 3 }

func beU32(b []byte, off int) (uint32, bool) {
	if off < 0 || off+4 > len(b) {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[off : off+4]), true
}

func beU64(b []byte, off int) (uint64, bool) {
	if off < 0 || off+8 > len(b) {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[off : off+8]), true
}

// header is the FDT header, as documented in the specification.
type header struct {
	magic           uint32
	totalsize       uint32
	offDtStruct     uint32
	offDtStrings    uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCpuidPhys   uint32
	sizeDtStrings   uint32
	sizeDtStruct    uint32
}

// parseHeader validates the header. ignoreSize skips the totalsize check for
// size-first probes over a partial buffer.
func parseHeader(data []byte, ignoreSize bool) (header, error) {
	if len(data) < HeaderSize {
		return header{}, ErrInvalidHeader
	}

	var h header
	fields := []*uint32{
		&h.magic, &h.totalsize, &h.offDtStruct, &h.offDtStrings, &h.offMemRsvmap,
		&h.version, &h.lastCompVersion, &h.bootCpuidPhys, &h.sizeDtStrings, &h.sizeDtStruct,
	}
	for i, f := range fields {
		v, ok := beU32(data, i*4)
		if !ok {
			return header{}, ErrInvalidHeader
		}
		*f = v
	}

	if h.magic != Magic {
		return header{}, ErrInvalidMagic
	}
	if !ignoreSize && len(data) != int(h.totalsize) {
		return header{}, ErrBufferTooSmall
	}
	return h, nil
}

// Probe validates the header of a partial buffer and returns the blob's
// totalsize, so a caller holding only a pointer can work out how much to
// read before parsing for real.
func Probe(data []byte) (int, error) {
	h, err := parseHeader(data, true)
	if err != nil {
		return 0, err
	}
	return int(h.totalsize), nil
}

// DeviceTree is the entry point to Devicetree operations over one blob.
type DeviceTree struct {
	data   []byte
	header header
}

// New parses the header and returns a reader over data, which must be
// exactly totalsize bytes.
func New(data []byte) (*DeviceTree, error) {
	h, err := parseHeader(data, false)
	if err != nil {
		return nil, err
	}
	return &DeviceTree{data: data, header: h}, nil
}

// Size returns the blob's totalsize.
func (dt *DeviceTree) Size() int { return int(dt.header.totalsize) }

// structs returns the structure block.
func (dt *DeviceTree) structs() []byte {
	start := int(dt.header.offDtStruct)
	end := start + int(dt.header.sizeDtStruct)
	if start > len(dt.data) || end > len(dt.data) {
		return nil
	}
	return dt.data[start:end]
}

// strings returns the strings block (null-terminated names).
func (dt *DeviceTree) strings() []byte {
	start := int(dt.header.offDtStrings)
	end := start + int(dt.header.sizeDtStrings)
	if start > len(dt.data) || end > len(dt.data) {
		return nil
	}
	return dt.data[start:end]
}

// Node is one node of the tree: index windows into the structure block.
type Node struct {
	start          int // start of FDT_BEGIN_NODE
	nameStart      int // start of the node name
	nextTokenStart int // first token after FDT_BEGIN_NODE
	totalLen       int // total length of the node, children included
	depth          int // 0 is the root
}

// Depth returns the node's depth; the root has depth 0.
func (n Node) Depth() int { return n.depth }

// IsRoot reports whether the node is the root.
func (n Node) IsRoot() bool { return n.depth == 0 }

// encloses reports whether child lies within n's extent.
func (n Node) encloses(child Node) bool {
	return n.start <= child.start && n.start+n.totalLen >= child.start+child.totalLen
}

// Property is one property of a node: index windows into the structure and
// strings blocks.
type Property struct {
	start      int
	nameStart  int // offset of the name in the strings block
	valueStart int
	valueLen   int
	totalLen   int
}

// Root returns the root node.
func (dt *DeviceTree) Root() (Node, bool) {
	return dt.nodeFromIndex(0, 0)
}

// NodeName returns the node's name. The root's name is the empty string.
func (dt *DeviceTree) NodeName(n Node) (string, bool) {
	return inlineString(dt.structs(), n.nameStart)
}

// Children returns an iterator over the direct children of parent.
func (dt *DeviceTree) Children(parent Node) ChildIter {
	return ChildIter{dt: dt, next: parent.nextTokenStart, depth: parent.depth + 1}
}

// ChildIter iterates over the direct children of one node.
type ChildIter struct {
	dt    *DeviceTree
	next  int
	depth int
}

// Next returns the next child, and false when there are no more.
func (it *ChildIter) Next() (Node, bool) {
	child, ok := it.dt.nodeFromIndex(it.next, it.depth)
	if !ok {
		return Node{}, false
	}
	it.next = child.start + child.totalLen
	return child, true
}

// Parent finds the parent of child by descending from the root, using depth
// and node extents.
func (dt *DeviceTree) Parent(child Node) (Node, bool) {
	root, ok := dt.Root()
	if !ok {
		return Node{}, false
	}
	return dt.findParent(root, child)
}

func (dt *DeviceTree) findParent(node, child Node) (Node, bool) {
	if !node.encloses(child) || node.depth >= child.depth {
		return Node{}, false
	}
	if node.depth+1 < child.depth {
		children := dt.Children(node)
		for {
			c, ok := children.Next()
			if !ok {
				break
			}
			if parent, ok := dt.findParent(c, child); ok {
				return parent, true
			}
		}
	}
	return node, true
}

// Property returns the node's property with the given name.
func (dt *DeviceTree) Property(n Node, name string) (Property, bool) {
	props := dt.properties(n)
	for {
		p, ok := props.next()
		if !ok {
			return Property{}, false
		}
		if got, ok := dt.PropertyName(p); ok && got == name {
			return p, true
		}
	}
}

// PropertyName returns the property's name from the strings block.
func (dt *DeviceTree) PropertyName(p Property) (string, bool) {
	return inlineString(dt.strings(), p.nameStart)
}

// PropertyValueBytes returns the property's raw value.
func (dt *DeviceTree) PropertyValueBytes(p Property) ([]byte, bool) {
	structs := dt.structs()
	end := p.valueStart + p.valueLen
	if p.valueStart > len(structs) || end > len(structs) {
		return nil, false
	}
	return structs[p.valueStart:end], true
}

// PropertyValueU32 returns the first big-endian word of the value.
func (dt *DeviceTree) PropertyValueU32(p Property) (uint32, bool) {
	b, ok := dt.PropertyValueBytes(p)
	if !ok || len(b) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// PropertyValueU32Iter iterates over the value as big-endian words.
func (dt *DeviceTree) PropertyValueU32Iter(p Property) U32Iter {
	return U32Iter{dt: dt, next: p.valueStart, end: p.valueStart + p.valueLen}
}

// U32Iter yields successive big-endian words of a property value.
type U32Iter struct {
	dt   *DeviceTree
	next int
	end  int
}

// Next returns the next word, and false when the value is exhausted.
func (it *U32Iter) Next() (uint32, bool) {
	if it.next >= it.end {
		return 0, false
	}
	v, ok := beU32(it.dt.structs(), it.next)
	if !ok {
		return 0, false
	}
	it.next += 4
	return v, true
}

// nodeAddressSizeCells returns the #address-cells and #size-cells of node,
// defaulting to 2 and 1 when absent, as the Devicetree specification
// prescribes.
func (dt *DeviceTree) nodeAddressSizeCells(node Node, ok bool) (int, int) {
	addressCells, sizeCells := 2, 1
	if !ok {
		return addressCells, sizeCells
	}
	if p, found := dt.Property(node, "#address-cells"); found {
		if v, got := dt.PropertyValueU32(p); got {
			addressCells = int(v)
		}
	}
	if p, found := dt.Property(node, "#size-cells"); found {
		if v, got := dt.PropertyValueU32(p); got {
			sizeCells = int(v)
		}
	}
	return addressCells, sizeCells
}

// consumeCells reads numCells 32-bit cells at offset as one value.
func (dt *DeviceTree) consumeCells(off, numCells int) (uint64, bool) {
	if numCells == 1 {
		v, ok := beU32(dt.structs(), off)
		return uint64(v), ok
	}
	return beU64(dt.structs(), off)
}

// RegBlock is one entry of a reg property: an address and, unless the
// enclosing bus uses zero size cells, a length.
type RegBlock struct {
	Addr   uint64
	Len    uint64
	HasLen bool
}

// RegIter returns an iterator over the node's reg property, parsed with the
// parent's #address-cells and #size-cells. Address cells of 1 or 2 and size
// cells of 0, 1 or 2 are supported.
func (dt *DeviceTree) RegIter(n Node) RegIter {
	parent, ok := dt.Parent(n)
	addressCells, sizeCells := dt.nodeAddressSizeCells(parent, ok)

	// Without a reg property the iterator's window is empty and Next
	// returns false immediately.
	var start, length int
	if p, found := dt.Property(n, "reg"); found {
		start, length = p.valueStart, p.valueLen
	}

	return RegIter{
		dt:           dt,
		next:         start,
		end:          start + length,
		addressCells: addressCells,
		sizeCells:    sizeCells,
	}
}

// RegIter yields the entries of a reg property.
type RegIter struct {
	dt           *DeviceTree
	next         int
	end          int
	addressCells int
	sizeCells    int
}

// Next returns the next reg entry, and false when exhausted or malformed.
func (it *RegIter) Next() (RegBlock, bool) {
	// Size cells may be 0 for reg, implying no length.
	if it.addressCells == 0 || it.addressCells > 2 || it.sizeCells > 2 {
		return RegBlock{}, false
	}

	addressSize := it.addressCells * 4
	lenSize := it.sizeCells * 4
	if addressSize+lenSize > it.end-it.next {
		return RegBlock{}, false
	}

	addr, ok := it.dt.consumeCells(it.next, it.addressCells)
	if !ok {
		return RegBlock{}, false
	}
	it.next += addressSize

	block := RegBlock{Addr: addr}
	if it.sizeCells > 0 {
		length, ok := it.dt.consumeCells(it.next, it.sizeCells)
		if !ok {
			return RegBlock{}, false
		}
		block.Len, block.HasLen = length, true
	}
	it.next += lenSize

	return block, true
}

// RangeMapping maps a child bus address window onto the parent bus.
type RangeMapping struct {
	ChildBusAddr  uint64
	ParentBusAddr uint64
	Len           uint64
}

// Range is one entry of a ranges property: either the identity mapping (an
// empty property) or a translated window.
type Range struct {
	Identity bool
	Mapping  RangeMapping
}

// Translate maps r through the range, if r's address falls in its window.
func (rg Range) Translate(r RegBlock) (RegBlock, bool) {
	if rg.Identity {
		return r, true
	}
	m := rg.Mapping
	if r.Addr >= m.ChildBusAddr && r.Addr < m.ChildBusAddr+m.Len {
		return RegBlock{Addr: r.Addr - m.ChildBusAddr + m.ParentBusAddr, Len: r.Len, HasLen: r.HasLen}, true
	}
	return RegBlock{}, false
}

// RangeIter returns an iterator over the node's ranges property. An existing
// but empty property yields a single Identity range.
func (dt *DeviceTree) RangeIter(n Node) RangeIter {
	parent, ok := dt.Parent(n)
	parentAddressCells, _ := dt.nodeAddressSizeCells(parent, ok)
	addressCells, sizeCells := dt.nodeAddressSizeCells(n, true)

	var start, length int
	found := false
	if p, ok := dt.Property(n, "ranges"); ok {
		start, length = p.valueStart, p.valueLen
		found = true
	}

	return RangeIter{
		dt:                 dt,
		next:               start,
		end:                start + length,
		isIdentity:         found && length == 0,
		addressCells:       addressCells,
		sizeCells:          sizeCells,
		parentAddressCells: parentAddressCells,
	}
}

// RangeIter yields the entries of a ranges property.
type RangeIter struct {
	dt                 *DeviceTree
	next               int
	end                int
	isIdentity         bool
	identityDone       bool
	addressCells       int
	sizeCells          int
	parentAddressCells int
}

// Next returns the next range, and false when exhausted or malformed.
func (it *RangeIter) Next() (Range, bool) {
	if it.isIdentity {
		if it.identityDone {
			return Range{}, false
		}
		it.identityDone = true
		return Range{Identity: true}, true
	}

	// Size cells must not be 0 for ranges.
	if it.addressCells == 0 || it.sizeCells == 0 || it.addressCells > 2 || it.sizeCells > 2 {
		return Range{}, false
	}
	if it.parentAddressCells == 0 || it.parentAddressCells > 2 {
		return Range{}, false
	}

	addressSize := it.addressCells * 4
	parentAddressSize := it.parentAddressCells * 4
	lenSize := it.sizeCells * 4
	if addressSize+parentAddressSize+lenSize > it.end-it.next {
		return Range{}, false
	}

	childBusAddr, ok := it.dt.consumeCells(it.next, it.addressCells)
	if !ok {
		return Range{}, false
	}
	it.next += addressSize

	parentBusAddr, ok := it.dt.consumeCells(it.next, it.parentAddressCells)
	if !ok {
		return Range{}, false
	}
	it.next += parentAddressSize

	length, ok := it.dt.consumeCells(it.next, it.sizeCells)
	if !ok {
		return Range{}, false
	}
	it.next += lenSize

	return Range{Mapping: RangeMapping{
		ChildBusAddr:  childBusAddr,
		ParentBusAddr: parentBusAddr,
		Len:           length,
	}}, true
}

// TranslatedReg is a reg entry translated to the root bus, or a marker that
// some ancestor had no matching range.
type TranslatedReg struct {
	Unreachable bool
	Reg         RegBlock
}

// TranslatedRegIter returns an iterator over the node's reg entries, each
// translated through every ancestor's ranges up to the root.
func (dt *DeviceTree) TranslatedRegIter(n Node) TranslatedRegIter {
	return TranslatedRegIter{dt: dt, node: n, regs: dt.RegIter(n)}
}

// TranslatedRegIter yields translated reg entries.
type TranslatedRegIter struct {
	dt   *DeviceTree
	node Node
	regs RegIter
}

// Next returns the next translated entry, and false when exhausted.
func (it *TranslatedRegIter) Next() (TranslatedReg, bool) {
	reg, ok := it.regs.Next()
	if !ok {
		return TranslatedReg{}, false
	}

	// Walk from the node towards the root, translating through the
	// ranges of each bus on the way.
	translated := reg
	parent, ok := it.dt.Parent(it.node)
	for ok {
		if parent.IsRoot() {
			return TranslatedReg{Reg: translated}, true
		}

		found := false
		ranges := it.dt.RangeIter(parent)
		for {
			rg, more := ranges.Next()
			if !more {
				break
			}
			if r, match := rg.Translate(translated); match {
				translated = r
				found = true
				break
			}
		}
		if !found {
			return TranslatedReg{Unreachable: true}, true
		}

		parent, ok = it.dt.Parent(parent)
	}
	return TranslatedReg{}, false
}

// propertyValueContains reports whether the value, split on NULs, contains
// the exact string.
func (dt *DeviceTree) propertyValueContains(p Property, s string) bool {
	value, ok := dt.PropertyValueBytes(p)
	if !ok {
		return false
	}
	for _, part := range strings.Split(string(value), "\x00") {
		if part == s {
			return true
		}
	}
	return false
}

// FindByPath returns the node at a /-separated path, such as
// "/soc/serial@7e201000". The root is "/".
func (dt *DeviceTree) FindByPath(path string) (Node, bool) {
	elements := strings.Split(strings.TrimSuffix(path, "/"), "/")

	root, ok := dt.Root()
	if !ok {
		return Node{}, false
	}
	return dt.findSubpath(root, elements)
}

func (dt *DeviceTree) findSubpath(node Node, elements []string) (Node, bool) {
	name, ok := dt.NodeName(node)
	if !ok || len(elements) == 0 || elements[0] != name {
		return Node{}, false
	}
	rest := elements[1:]
	if len(rest) == 0 {
		return node, true
	}

	children := dt.Children(node)
	for {
		child, ok := children.Next()
		if !ok {
			return Node{}, false
		}
		if found, ok := dt.findSubpath(child, rest); ok {
			return found, true
		}
	}
}

// FindCompatible returns an iterator over the nodes whose compatible
// property contains the exact string comp.
func (dt *DeviceTree) FindCompatible(comp string) CompatibleIter {
	return CompatibleIter{dt: dt, comp: comp, nodes: dt.Nodes()}
}

// CompatibleIter yields nodes matching a compatible string.
type CompatibleIter struct {
	dt    *DeviceTree
	comp  string
	nodes NodeIter
}

// Next returns the next matching node, and false when there are no more.
func (it *CompatibleIter) Next() (Node, bool) {
	for {
		n, ok := it.nodes.Next()
		if !ok {
			return Node{}, false
		}
		if p, ok := it.dt.Property(n, "compatible"); ok && it.dt.propertyValueContains(p, it.comp) {
			return n, true
		}
	}
}

// inlineString reads a NUL-terminated string at start.
func inlineString(b []byte, start int) (string, bool) {
	if start < 0 || start > len(b) {
		return "", false
	}
	end := start
	for end < len(b) && b[end] != 0 {
		end++
	}
	if end == len(b) {
		return "", false
	}
	return string(b[start:end]), true
}

// nodeFromIndex returns the first node at exactly nodeDepth whose
// FDT_BEGIN_NODE token occurs at or after start.
func (dt *DeviceTree) nodeFromIndex(start, nodeDepth int) (Node, bool) {
	structs := dt.structs()
	i := start
	depth := nodeDepth

	var begin beginNodeContext
	haveBegin := false
	nextTokenStart := 0

	for i < len(structs) {
		tok, ok := parseToken(structs, i)
		if !ok {
			return Node{}, false
		}

		switch tok.kind {
		case tokenBeginNode:
			if depth == nodeDepth {
				begin = tok.begin
				haveBegin = true
				nextTokenStart = i + tok.totalLen
			}
			depth++
		case tokenEndNode:
			depth--
			if depth == nodeDepth {
				if !haveBegin {
					return Node{}, false
				}
				return Node{
					start:          begin.start,
					nameStart:      begin.nameStart,
					nextTokenStart: nextTokenStart,
					totalLen:       tok.start + tok.totalLen - begin.start,
					depth:          nodeDepth,
				}, true
			}
		}
		i += tok.totalLen
	}
	return Node{}, false
}

// Nodes returns an iterator over every node, in the order they occur in the
// flattened tree.
func (dt *DeviceTree) Nodes() NodeIter {
	return NodeIter{dt: dt}
}

// NodeIter yields all nodes linearly.
type NodeIter struct {
	dt    *DeviceTree
	next  int
	depth int
}

// Next returns the next node, and false at the end of the structure block.
// Truncated token streams terminate the iteration cleanly.
func (it *NodeIter) Next() (Node, bool) {
	structs := it.dt.structs()

	var begin beginNodeContext
	haveBegin := false
	nodeDepth := 0
	nextTokenStart := 0

	for it.next < len(structs) {
		tok, ok := parseToken(structs, it.next)
		if !ok {
			return Node{}, false
		}

		switch tok.kind {
		case tokenBeginNode:
			if !haveBegin {
				begin = tok.begin
				haveBegin = true
				nodeDepth = it.depth
				nextTokenStart = it.next + tok.totalLen
			}
			it.depth++
		case tokenEndNode:
			if haveBegin && it.depth-1 == nodeDepth {
				// Rewind to just after the begin token so the next
				// iteration finds this node's first child.
				node := Node{
					start:          begin.start,
					nameStart:      begin.nameStart,
					nextTokenStart: nextTokenStart,
					totalLen:       tok.start + tok.totalLen - begin.start,
					depth:          nodeDepth,
				}
				it.next = nextTokenStart
				return node, true
			}
			it.depth--
		}
		it.next += tok.totalLen
	}
	return Node{}, false
}

// properties returns an iterator over the node's own properties, which come
// before any children.
func (dt *DeviceTree) properties(n Node) propertyIter {
	return propertyIter{dt: dt, at: n.nextTokenStart, end: n.start + n.totalLen}
}

type propertyIter struct {
	dt  *DeviceTree
	at  int
	end int
}

func (it *propertyIter) next() (Property, bool) {
	structs := it.dt.structs()
	for it.at < it.end {
		tok, ok := parseToken(structs, it.at)
		if !ok {
			return Property{}, false
		}
		switch tok.kind {
		case tokenProp:
			it.at += tok.totalLen
			return Property{
				start:      tok.start,
				nameStart:  tok.prop.nameStart,
				valueStart: tok.prop.valueStart,
				valueLen:   tok.prop.valueLen,
				totalLen:   tok.totalLen,
			}, true
		case tokenNop:
			it.at += tok.totalLen
		default:
			return Property{}, false
		}
	}
	return Property{}, false
}

// token is one parsed structure-block token.
type token struct {
	kind     uint32
	start    int
	totalLen int
	begin    beginNodeContext
	prop     propContext
}

type beginNodeContext struct {
	start     int
	nameStart int
}

type propContext struct {
	nameStart  int
	valueStart int
	valueLen   int
}

// parseToken decodes the token at offset i.
func parseToken(structs []byte, i int) (token, bool) {
	t, ok := beU32(structs, i)
	if !ok {
		return token{}, false
	}

	switch t {
	case tokenBeginNode:
		// A NUL-terminated name string follows the token.
		strSize := 0
		rest := structs[min(i+4, len(structs)):]
		for n, b := range rest {
			if b == 0 {
				strSize = align4(n + 1)
				break
			}
		}
		return token{
			kind:     tokenBeginNode,
			start:    i,
			totalLen: 4 + strSize,
			begin:    beginNodeContext{start: i, nameStart: i + 4},
		}, true
	case tokenEndNode, tokenNop, tokenEnd:
		return token{kind: t, start: i, totalLen: 4}, true
	case tokenProp:
		length, ok1 := beU32(structs, i+4)
		nameOff, ok2 := beU32(structs, i+8)
		if !ok1 || !ok2 {
			return token{}, false
		}
		return token{
			kind:     tokenProp,
			start:    i,
			totalLen: 12 + align4(int(length)),
			prop: propContext{
				nameStart:  int(nameOff),
				valueStart: i + 12,
				valueLen:   int(length),
			},
		}, true
	default:
		return token{}, false
	}
}
