package hw

// The command processor consumes a stream of 32-bit words. Each packet
// is a header word followed by its operands. The header encodes the
// opcode in the high half and the operand count in the low half, so a
// parser can skip packets it does not understand.
//
// Streams must end on an AlignWords boundary; Nop packets pad the tail.

// Opcode identifies a command-processor packet.
type Opcode uint16

// Packet opcodes.
const (
	OpNop Opcode = iota

	// OpSetReg writes registers: operands are a register index
	// followed by one value word per register, consecutive from the
	// index.
	OpSetReg

	// OpChain links to another indirect buffer: operands are the
	// 64-bit buffer address (lo, hi) and its size in words.
	OpChain

	// OpCacheFlush carries a FlushBits mask of cache flush and
	// invalidate operations. It does not stall the pipeline.
	OpCacheFlush

	// OpStall stalls the front end until the shader stages named in
	// its FlushBits operand have drained.
	OpStall

	// OpDraw: vertex count, instance count.
	OpDraw

	// OpDrawIndexed: index count, instance count.
	OpDrawIndexed

	// OpDrawIndirect: 64-bit argument address (lo, hi), draw count,
	// stride. With CapIndirectCount the count operand is instead a
	// 64-bit count address and a maximum.
	OpDrawIndirect

	// OpDrawIndexedIndirect: as OpDrawIndirect for indexed draws.
	OpDrawIndexedIndirect

	// OpDispatch: group counts x, y, z.
	OpDispatch

	// OpDispatchIndirect: 64-bit argument address (lo, hi).
	OpDispatchIndirect

	// OpIndexBuffer: 64-bit address (lo, hi), size in indices,
	// index type.
	OpIndexBuffer

	// OpFill writes a repeated value over a 64-bit destination
	// address range: address (lo, hi), word count, value.
	OpFill

	// OpCondWrite writes a register only if the word at a 64-bit
	// address equals a reference: address (lo, hi), reference,
	// register index, value.
	OpCondWrite

	// OpPredicate sets or clears the draw predicate: 64-bit address
	// (lo, hi), enable flag.
	OpPredicate

	// OpEventWrite writes a marker value to a 64-bit address once
	// prior work completes: address (lo, hi), value.
	OpEventWrite

	// OpWaitMem stalls parsing until the word at a 64-bit address
	// matches a reference: address (lo, hi), reference.
	OpWaitMem

	// OpPrefetch hints the instruction cache to pull a shader
	// binary: 64-bit address (lo, hi), size in words.
	OpPrefetch

	// OpQueryBegin and OpQueryEnd bracket an occlusion query slot:
	// 64-bit result address (lo, hi).
	OpQueryBegin
	OpQueryEnd

	// OpStreamoutCounter loads or saves a streamout counter:
	// buffer slot, 64-bit counter address (lo, hi), save flag.
	OpStreamoutCounter
)

// AlignWords is the stream tail alignment required by the command
// processor fetcher.
const AlignWords = 8

// NopWord is the encoded zero-operand Nop packet used for padding.
const NopWord = uint32(OpNop) << 16

// Header encodes a packet header word.
func Header(op Opcode, operands int) uint32 {
	return uint32(op)<<16 | uint32(operands)&0xffff
}

// HeaderOp extracts the opcode from a header word.
func HeaderOp(w uint32) Opcode { return Opcode(w >> 16) }

// HeaderCount extracts the operand count from a header word.
func HeaderCount(w uint32) int { return int(w & 0xffff) }

// Addr splits a 64-bit GPU address into its lo and hi operand words.
func Addr(a uint64) (lo, hi uint32) {
	return uint32(a), uint32(a >> 32)
}
