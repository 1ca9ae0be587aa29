package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/codegen/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type registerCode struct {
	code byte
	high bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch {
	case v >= RAX && v <= R15:
		return registerCode{code: byte(v) & 7, high: v >= R8}, nil
	case v >= XMM0 && v <= XMM15:
		n := v - XMM0
		return registerCode{code: byte(n) & 7, high: n >= 8}, nil
	}
	return registerCode{}, fmt.Errorf("unsupported register %d", v)
}

// needsByteREX reports whether the low byte of id is only reachable with a
// REX prefix (spl, bpl, sil, dil).
func needsByteREX(id asm.Variable) bool {
	return id >= RSP && id <= RDI
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}
	if mem.isRIP() {
		// mod=00 rm=101 selects [rip+disp32].
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(mem.disp))
		return memEncoding{modrm: 0x05, disp: buf[:]}, nil
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	var indexInfo registerCode
	if mem.hasIndex {
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if mem.index.id == RSP {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	rm := baseInfo.code

	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= -128 && disp <= 127:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}
		var scaleBits byte
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | baseInfo.code}
		rm = 4
	}

	enc.modrm |= rm
	return enc, nil
}

// inst is one instruction in the making. Fields are laid out in encoding
// order: legacy prefixes, REX, opcode, ModRM, SIB, displacement, immediate.
type inst struct {
	prefixes []byte
	rex      rexState
	opcode   []byte
	modrm    byte
	hasModRM bool
	sib      []byte
	disp     []byte
	imm      []byte
	// mem is kept for rip-relative fixups.
	mem *Memory
}

// encoded is an instruction's bytes plus the offset of its rip-relative
// displacement, or -1.
type encoded struct {
	bytes   []byte
	dispPos int
	mem     *Memory
}

func (in inst) encode() encoded {
	out := make([]byte, 0, 16)
	out = append(out, in.prefixes...)
	if p := in.rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, in.opcode...)
	dispPos := -1
	if in.hasModRM {
		out = append(out, in.modrm)
		out = append(out, in.sib...)
		if in.mem != nil && in.mem.isRIP() {
			dispPos = len(out)
		}
		out = append(out, in.disp...)
	}
	out = append(out, in.imm...)
	return encoded{bytes: out, dispPos: dispPos, mem: in.mem}
}

// rmOperand is either a Reg (register-direct) or a Memory.
type rmOperand interface{}

// buildRM fills ModRM/SIB/displacement for reg field code regField and
// r/m operand rm.
func buildRM(in *inst, regField byte, regHigh bool, rm rmOperand) error {
	in.hasModRM = true
	in.rex.r = in.rex.r || regHigh
	switch v := rm.(type) {
	case Reg:
		info, err := regInfo(v.id)
		if err != nil {
			return err
		}
		in.modrm = 0xC0 | (regField&7)<<3 | info.code
		in.rex.b = info.high
		if v.size == size8 && !v.IsXMM() && needsByteREX(v.id) {
			in.rex.force = true
		}
	case Memory:
		enc, err := encodeMemoryOperand(v)
		if err != nil {
			return err
		}
		in.modrm = enc.modrm | (regField&7)<<3
		in.sib = enc.sib
		in.disp = enc.disp
		in.rex.b = enc.rex.b
		in.rex.x = enc.rex.x
		m := v
		in.mem = &m
	default:
		return fmt.Errorf("unsupported r/m operand %T", rm)
	}
	return nil
}

func sizePrefix(size operandSize) []byte {
	if size == size16 {
		return []byte{0x66}
	}
	return nil
}

// encodeRegRM encodes "op reg, r/m" style instructions where reg sits in the
// ModRM reg field.
func encodeRegRM(opcode []byte, reg Reg, rm rmOperand) (encoded, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, err
	}
	in := inst{
		prefixes: sizePrefix(reg.size),
		opcode:   opcode,
		rex:      rexState{w: reg.size == size64 && !reg.IsXMM()},
	}
	if reg.size == size8 && needsByteREX(reg.id) {
		in.rex.force = true
	}
	if err := buildRM(&in, info.code, info.high, rm); err != nil {
		return encoded{}, err
	}
	return in.encode(), nil
}

// encodeExtRM encodes instructions whose ModRM reg field is an opcode
// extension.
func encodeExtRM(opcode []byte, ext byte, size operandSize, rm rmOperand, imm []byte) (encoded, error) {
	in := inst{
		prefixes: sizePrefix(size),
		opcode:   opcode,
		rex:      rexState{w: size == size64},
		imm:      imm,
	}
	if err := buildRM(&in, ext, false, rm); err != nil {
		return encoded{}, err
	}
	return in.encode(), nil
}

// encodeSSE encodes a mandatory-prefix SSE instruction "op xmm, r/m".
func encodeSSE(prefix byte, opcode []byte, reg Reg, rm rmOperand, w bool) (encoded, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, err
	}
	in := inst{opcode: opcode, rex: rexState{w: w}}
	if prefix != 0 {
		in.prefixes = []byte{prefix}
	}
	if err := buildRM(&in, info.code, info.high, rm); err != nil {
		return encoded{}, err
	}
	return in.encode(), nil
}

func sameWidth(dst, src Reg) error {
	if dst.size != src.size {
		return fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	return nil
}

func imm32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

func encodeMovRegImm(reg Reg, value int64) (encoded, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, err
	}
	in := inst{prefixes: sizePrefix(reg.size), rex: rexState{b: info.high}}
	switch reg.size {
	case size64:
		if fitsInt32(value) {
			// mov r/m64, imm32 sign-extends.
			return encodeExtRM([]byte{0xC7}, 0, size64, reg, imm32(int32(value)))
		}
		in.rex.w = true
		in.opcode = []byte{0xB8 + info.code}
		in.imm = make([]byte, 8)
		binary.LittleEndian.PutUint64(in.imm, uint64(value))
	case size32:
		in.opcode = []byte{0xB8 + info.code}
		in.imm = imm32(int32(value))
	case size16:
		in.opcode = []byte{0xB8 + info.code}
		in.imm = make([]byte, 2)
		binary.LittleEndian.PutUint16(in.imm, uint16(value))
	case size8:
		in.rex.force = needsByteREX(reg.id)
		in.opcode = []byte{0xB0 + info.code}
		in.imm = []byte{byte(value)}
	default:
		return encoded{}, fmt.Errorf("unsupported register width %d", reg.size)
	}
	return in.encode(), nil
}

// encodeMovabs always uses the 10-byte form so the immediate can be
// patched in place.
func encodeMovabs(reg Reg, value uint64) (encoded, int, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, 0, err
	}
	in := inst{rex: rexState{w: true, b: info.high}, opcode: []byte{0xB8 + info.code}}
	in.imm = make([]byte, 8)
	binary.LittleEndian.PutUint64(in.imm, value)
	enc := in.encode()
	return enc, len(enc.bytes) - 8, nil
}

func encodeMovRegReg(dst, src Reg) (encoded, error) {
	if err := sameWidth(dst, src); err != nil {
		return encoded{}, err
	}
	op := byte(0x8B)
	if dst.size == size8 {
		op = 0x8A
	}
	return encodeRegRM([]byte{op}, dst, src)
}

func encodeMovRegMem(dst Reg, mem Memory) (encoded, error) {
	op := byte(0x8B)
	if dst.size == size8 {
		op = 0x8A
	}
	return encodeRegRM([]byte{op}, dst, mem)
}

func encodeMovMemReg(mem Memory, src Reg) (encoded, error) {
	op := byte(0x89)
	if src.size == size8 {
		op = 0x88
	}
	return encodeRegRM([]byte{op}, src, mem)
}

func encodeMovMemImm(mem Memory, size operandSize, value int32) (encoded, error) {
	switch size {
	case size8:
		return encodeExtRM([]byte{0xC6}, 0, size8, mem, []byte{byte(value)})
	case size16:
		imm := make([]byte, 2)
		binary.LittleEndian.PutUint16(imm, uint16(value))
		return encodeExtRM([]byte{0xC7}, 0, size16, mem, imm)
	case size32, size64:
		return encodeExtRM([]byte{0xC7}, 0, size, mem, imm32(value))
	}
	return encoded{}, fmt.Errorf("unsupported store width %d", size)
}

// encodeMovExtend encodes movzx/movsx from an 8- or 16-bit source and movsxd
// from a 32-bit source.
func encodeMovExtend(dst Reg, src rmOperand, srcSize operandSize, signed bool) (encoded, error) {
	if dst.size != size32 && dst.size != size64 {
		return encoded{}, fmt.Errorf("extending move requires 32- or 64-bit destination, got %d", dst.size*8)
	}
	var opcode []byte
	switch {
	case srcSize == size8 && !signed:
		opcode = []byte{0x0F, 0xB6}
	case srcSize == size16 && !signed:
		opcode = []byte{0x0F, 0xB7}
	case srcSize == size8:
		opcode = []byte{0x0F, 0xBE}
	case srcSize == size16:
		opcode = []byte{0x0F, 0xBF}
	case srcSize == size32 && signed:
		if dst.size != size64 {
			return encoded{}, fmt.Errorf("movsxd requires a 64-bit destination")
		}
		opcode = []byte{0x63}
	default:
		return encoded{}, fmt.Errorf("unsupported extension from %d bits", srcSize*8)
	}
	if r, ok := src.(Reg); ok {
		src = Reg{id: r.id, size: srcSize}
	}
	return encodeRegRM(opcode, dst, src)
}

func encodeLea(dst Reg, mem Memory) (encoded, error) {
	if dst.size != size64 {
		return encoded{}, fmt.Errorf("lea requires a 64-bit destination")
	}
	return encodeRegRM([]byte{0x8D}, dst, mem)
}

// ALU operations share the classic 0x00-0x3F opcode layout.
type aluOp byte

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

func encodeALURegRM(op aluOp, dst Reg, src rmOperand) (encoded, error) {
	if r, ok := src.(Reg); ok {
		if err := sameWidth(dst, r); err != nil {
			return encoded{}, err
		}
	}
	opcode := byte(op)<<3 | 0x03
	if dst.size == size8 {
		opcode = byte(op)<<3 | 0x02
	}
	return encodeRegRM([]byte{opcode}, dst, src)
}

func encodeALUMemReg(op aluOp, dst Memory, src Reg) (encoded, error) {
	opcode := byte(op)<<3 | 0x01
	if src.size == size8 {
		opcode = byte(op)<<3 | 0x00
	}
	return encodeRegRM([]byte{opcode}, src, dst)
}

func encodeALUImm(op aluOp, size operandSize, dst rmOperand, value int32) (encoded, error) {
	if size == size8 {
		return encodeExtRM([]byte{0x80}, byte(op), size8, dst, []byte{byte(value)})
	}
	if fitsInt8(int64(value)) {
		return encodeExtRM([]byte{0x83}, byte(op), size, dst, []byte{byte(value)})
	}
	if size == size16 {
		imm := make([]byte, 2)
		binary.LittleEndian.PutUint16(imm, uint16(value))
		return encodeExtRM([]byte{0x81}, byte(op), size, dst, imm)
	}
	return encodeExtRM([]byte{0x81}, byte(op), size, dst, imm32(value))
}

func encodeTest(dst rmOperand, src Reg) (encoded, error) {
	op := byte(0x85)
	if src.size == size8 {
		op = 0x84
	}
	return encodeRegRM([]byte{op}, src, dst)
}

func encodeImulRegRM(dst Reg, src rmOperand) (encoded, error) {
	if dst.size == size8 {
		return encoded{}, fmt.Errorf("imul does not support 8-bit operands")
	}
	return encodeRegRM([]byte{0x0F, 0xAF}, dst, src)
}

func encodeImulRegImm(dst, src Reg, value int32) (encoded, error) {
	if err := sameWidth(dst, src); err != nil {
		return encoded{}, err
	}
	if fitsInt8(int64(value)) {
		enc, err := encodeRegRM([]byte{0x6B}, dst, src)
		if err != nil {
			return encoded{}, err
		}
		enc.bytes = append(enc.bytes, byte(value))
		return enc, nil
	}
	enc, err := encodeRegRM([]byte{0x69}, dst, src)
	if err != nil {
		return encoded{}, err
	}
	enc.bytes = append(enc.bytes, imm32(value)...)
	return enc, nil
}

type shiftOp byte

const (
	shiftShl shiftOp = 4
	shiftShr shiftOp = 5
	shiftSar shiftOp = 7
)

func encodeShiftImm(op shiftOp, reg Reg, count uint8) (encoded, error) {
	if count == 0 {
		return encoded{}, fmt.Errorf("shift count must be non-zero")
	}
	opcode := byte(0xC1)
	if reg.size == size8 {
		opcode = 0xC0
	}
	return encodeExtRM([]byte{opcode}, byte(op), reg.size, reg, []byte{count})
}

// encodeShiftCL shifts reg by the count in cl.
func encodeShiftCL(op shiftOp, reg Reg) (encoded, error) {
	opcode := byte(0xD3)
	if reg.size == size8 {
		opcode = 0xD2
	}
	return encodeExtRM([]byte{opcode}, byte(op), reg.size, reg, nil)
}

func encodeNeg(reg Reg) (encoded, error) {
	return encodeExtRM([]byte{0xF7}, 3, reg.size, reg, nil)
}

func encodeCmov(cond Cond, dst Reg, src rmOperand) (encoded, error) {
	return encodeRegRM([]byte{0x0F, 0x40 | byte(cond)}, dst, src)
}

func encodeSetcc(cond Cond, dst Reg) (encoded, error) {
	return encodeExtRM([]byte{0x0F, 0x90 | byte(cond)}, 0, size8, Reg8(dst.id), nil)
}

// encodeCmpxchg encodes "lock cmpxchg [mem], src"; the expected value is
// in rax.
func encodeCmpxchg(mem Memory, src Reg) (encoded, error) {
	op := byte(0xB1)
	if src.size == size8 {
		op = 0xB0
	}
	enc, err := encodeRegRM([]byte{0x0F, op}, src, mem)
	if err != nil {
		return encoded{}, err
	}
	enc.bytes = append([]byte{0xF0}, enc.bytes...)
	if enc.dispPos >= 0 {
		enc.dispPos++
	}
	return enc, nil
}

func encodePush(reg Reg) (encoded, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, err
	}
	in := inst{rex: rexState{b: info.high}, opcode: []byte{0x50 + info.code}}
	return in.encode(), nil
}

func encodePop(reg Reg) (encoded, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return encoded{}, err
	}
	in := inst{rex: rexState{b: info.high}, opcode: []byte{0x58 + info.code}}
	return in.encode(), nil
}

func encodeCallRM(target rmOperand) (encoded, error) {
	return encodeExtRM([]byte{0xFF}, 2, size32, target, nil)
}

func encodeJumpRM(target rmOperand) (encoded, error) {
	return encodeExtRM([]byte{0xFF}, 4, size32, target, nil)
}

// SSE arithmetic opcodes (second byte after 0x0F).
type sseOp byte

const (
	sseAdd sseOp = 0x58
	sseMul sseOp = 0x59
	sseSub sseOp = 0x5C
	sseDiv sseOp = 0x5E
)

func scalarPrefix(double bool) byte {
	if double {
		return 0xF2
	}
	return 0xF3
}

func encodeMovFloatLoad(dst Reg, src rmOperand, double bool) (encoded, error) {
	return encodeSSE(scalarPrefix(double), []byte{0x0F, 0x10}, dst, src, false)
}

func encodeMovFloatStore(dst Memory, src Reg, double bool) (encoded, error) {
	return encodeSSE(scalarPrefix(double), []byte{0x0F, 0x11}, src, dst, false)
}

func encodeSSEArith(op sseOp, dst Reg, src rmOperand, double bool) (encoded, error) {
	return encodeSSE(scalarPrefix(double), []byte{0x0F, byte(op)}, dst, src, false)
}

// encodeUcomis compares two scalars, setting ZF/PF/CF like an unsigned
// compare.
func encodeUcomis(a Reg, b rmOperand, double bool) (encoded, error) {
	prefix := byte(0)
	if double {
		prefix = 0x66
	}
	return encodeSSE(prefix, []byte{0x0F, 0x2E}, a, b, false)
}

// encodeMovGPToXMM moves raw bits from a general register (movd/movq).
func encodeMovGPToXMM(dst, src Reg) (encoded, error) {
	return encodeSSE(0x66, []byte{0x0F, 0x6E}, dst, src, src.size == size64)
}

// encodeMovXMMToGP moves raw bits into a general register (movd/movq).
func encodeMovXMMToGP(dst, src Reg) (encoded, error) {
	return encodeSSE(0x66, []byte{0x0F, 0x7E}, src, dst, dst.size == size64)
}

// encodeNop returns the recommended multi-byte nop sequence for n bytes.
func encodeNop(n int) []byte {
	seqs := [][]byte{
		{0x90},
		{0x66, 0x90},
		{0x0F, 0x1F, 0x00},
		{0x0F, 0x1F, 0x40, 0x00},
		{0x0F, 0x1F, 0x44, 0x00, 0x00},
		{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
		{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
		{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := n
		if chunk > len(seqs) {
			chunk = len(seqs)
		}
		out = append(out, seqs[chunk-1]...)
		n -= chunk
	}
	return out
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func encodeLeave() []byte {
	return []byte{0xC9}
}

func encodeHlt() []byte {
	return []byte{0xF4}
}
