package rv64cpu

import "fmt"

const (
	opLoad    = 0x03
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1B
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3B
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6F
	opSystem  = 0x73
)

func bits(v uint32, hi, lo int) uint32 {
	return (v >> lo) & ((1 << (hi - lo + 1)) - 1)
}

type decoded struct {
	opcode   uint32
	rd, rs1, rs2 uint32
	funct3   uint32
	funct7   uint32
	imm      uint64
}

func decodeI(inst uint32) decoded {
	return decoded{
		opcode: bits(inst, 6, 0),
		rd:     bits(inst, 11, 7),
		funct3: bits(inst, 14, 12),
		rs1:    bits(inst, 19, 15),
		imm:    signExtend(uint64(bits(inst, 31, 20)), 12),
	}
}

func decodeR(inst uint32) decoded {
	return decoded{
		opcode: bits(inst, 6, 0),
		rd:     bits(inst, 11, 7),
		funct3: bits(inst, 14, 12),
		rs1:    bits(inst, 19, 15),
		rs2:    bits(inst, 24, 20),
		funct7: bits(inst, 31, 25),
	}
}

func decodeS(inst uint32) decoded {
	imm := uint64(bits(inst, 31, 25))<<5 | uint64(bits(inst, 11, 7))
	return decoded{
		opcode: bits(inst, 6, 0),
		funct3: bits(inst, 14, 12),
		rs1:    bits(inst, 19, 15),
		rs2:    bits(inst, 24, 20),
		imm:    signExtend(imm, 12),
	}
}

func decodeB(inst uint32) decoded {
	imm := uint64(bits(inst, 31, 31))<<12 | uint64(bits(inst, 7, 7))<<11 |
		uint64(bits(inst, 30, 25))<<5 | uint64(bits(inst, 11, 8))<<1
	return decoded{
		opcode: bits(inst, 6, 0),
		funct3: bits(inst, 14, 12),
		rs1:    bits(inst, 19, 15),
		rs2:    bits(inst, 24, 20),
		imm:    signExtend(imm, 13),
	}
}

func decodeU(inst uint32) decoded {
	return decoded{
		opcode: bits(inst, 6, 0),
		rd:     bits(inst, 11, 7),
		imm:    uint64(bits(inst, 31, 12)) << 12,
	}
}

func decodeJ(inst uint32) decoded {
	imm := uint64(bits(inst, 31, 31))<<20 | uint64(bits(inst, 19, 12))<<12 |
		uint64(bits(inst, 20, 20))<<11 | uint64(bits(inst, 30, 21))<<1
	return decoded{
		opcode: bits(inst, 6, 0),
		rd:     bits(inst, 11, 7),
		imm:    signExtend(imm, 21),
	}
}

// execute decodes and runs one instruction. It returns a non-nil stop
// when the caller should return control (ecall/ebreak), and advance=false
// when PC was already updated by the instruction itself (branches, jumps).
func (c *CPU) execute(inst uint32, mem Memory) (stop *Stop, advance bool, err error) {
	opcode := bits(inst, 6, 0)

	switch opcode {
	case opLui:
		d := decodeU(inst)
		c.setReg(d.rd, d.imm)
		return nil, true, nil

	case opAuipc:
		d := decodeU(inst)
		c.setReg(d.rd, c.PC+d.imm)
		return nil, true, nil

	case opJal:
		d := decodeJ(inst)
		c.setReg(d.rd, c.PC+4)
		c.PC += d.imm
		return nil, false, nil

	case opJalr:
		d := decodeI(inst)
		target := (c.reg(d.rs1) + d.imm) &^ 1
		c.setReg(d.rd, c.PC+4)
		c.PC = target
		return nil, false, nil

	case opBranch:
		d := decodeB(inst)
		a, b := c.reg(d.rs1), c.reg(d.rs2)
		taken := false
		switch d.funct3 {
		case 0b000:
			taken = a == b // BEQ
		case 0b001:
			taken = a != b // BNE
		case 0b100:
			taken = int64(a) < int64(b) // BLT
		case 0b101:
			taken = int64(a) >= int64(b) // BGE
		case 0b110:
			taken = a < b // BLTU
		case 0b111:
			taken = a >= b // BGEU
		default:
			return nil, false, fmt.Errorf("rv64cpu: illegal branch funct3 %#x", d.funct3)
		}
		if taken {
			c.PC += d.imm
			return nil, false, nil
		}
		return nil, true, nil

	case opLoad:
		d := decodeI(inst)
		addr := c.reg(d.rs1) + d.imm
		size, signed := loadWidth(d.funct3)
		if size == 0 {
			return nil, false, fmt.Errorf("rv64cpu: illegal load funct3 %#x", d.funct3)
		}
		raw, lerr := mem.Load(addr, size)
		if lerr != nil {
			return nil, false, lerr
		}
		if signed {
			raw = signExtend(raw, size*8)
		}
		c.setReg(d.rd, raw)
		return nil, true, nil

	case opStore:
		d := decodeS(inst)
		addr := c.reg(d.rs1) + d.imm
		size := storeWidth(d.funct3)
		if size == 0 {
			return nil, false, fmt.Errorf("rv64cpu: illegal store funct3 %#x", d.funct3)
		}
		if serr := mem.Store(addr, size, c.reg(d.rs2)); serr != nil {
			return nil, false, serr
		}
		return nil, true, nil

	case opOpImm:
		d := decodeI(inst)
		v, oerr := aluImm(d.funct3, bits(inst, 31, 25), c.reg(d.rs1), d.imm, bits(inst, 24, 20))
		if oerr != nil {
			return nil, false, oerr
		}
		c.setReg(d.rd, v)
		return nil, true, nil

	case opOpImm32:
		d := decodeI(inst)
		v, oerr := aluImm32(d.funct3, c.reg(d.rs1), d.imm, bits(inst, 24, 20))
		if oerr != nil {
			return nil, false, oerr
		}
		c.setReg(d.rd, v)
		return nil, true, nil

	case opOp:
		d := decodeR(inst)
		v, oerr := alu(d.funct3, d.funct7, c.reg(d.rs1), c.reg(d.rs2))
		if oerr != nil {
			return nil, false, oerr
		}
		c.setReg(d.rd, v)
		return nil, true, nil

	case opOp32:
		d := decodeR(inst)
		v, oerr := alu32(d.funct3, d.funct7, c.reg(d.rs1), c.reg(d.rs2))
		if oerr != nil {
			return nil, false, oerr
		}
		c.setReg(d.rd, v)
		return nil, true, nil

	case opSystem:
		imm := bits(inst, 31, 20)
		switch imm {
		case 0:
			s := StopEcall
			return &s, true, nil
		case 1:
			s := StopEbreak
			return &s, true, nil
		default:
			return nil, false, fmt.Errorf("rv64cpu: illegal SYSTEM imm %#x", imm)
		}

	default:
		return nil, false, fmt.Errorf("rv64cpu: illegal opcode %#x at pc %#x", opcode, c.PC)
	}
}

func loadWidth(funct3 uint32) (size int, signed bool) {
	switch funct3 {
	case 0b000:
		return 1, true // LB
	case 0b001:
		return 2, true // LH
	case 0b010:
		return 4, true // LW
	case 0b011:
		return 8, false // LD
	case 0b100:
		return 1, false // LBU
	case 0b101:
		return 2, false // LHU
	case 0b110:
		return 4, false // LWU
	}
	return 0, false
}

func storeWidth(funct3 uint32) int {
	switch funct3 {
	case 0b000:
		return 1 // SB
	case 0b001:
		return 2 // SH
	case 0b010:
		return 4 // SW
	case 0b011:
		return 8 // SD
	}
	return 0
}

func aluImm(funct3, funct7hi uint32, a, imm uint64, shamt uint32) (uint64, error) {
	switch funct3 {
	case 0b000:
		return a + imm, nil // ADDI
	case 0b010:
		return b2u(int64(a) < int64(imm)), nil // SLTI
	case 0b011:
		return b2u(a < imm), nil // SLTIU
	case 0b100:
		return a ^ imm, nil // XORI
	case 0b110:
		return a | imm, nil // ORI
	case 0b111:
		return a & imm, nil // ANDI
	case 0b001:
		return a << (shamt & 0x3F), nil // SLLI
	case 0b101:
		if funct7hi&0x20 != 0 {
			return uint64(int64(a) >> (shamt & 0x3F)), nil // SRAI
		}
		return a >> (shamt & 0x3F), nil // SRLI
	}
	return 0, fmt.Errorf("rv64cpu: illegal OP-IMM funct3 %#x", funct3)
}

func aluImm32(funct3 uint32, a, imm uint64, shamt uint32) (uint64, error) {
	w := func(v uint32) uint64 { return signExtend(uint64(v), 32) }
	switch funct3 {
	case 0b000:
		return w(uint32(a) + uint32(imm)), nil // ADDIW
	case 0b001:
		return w(uint32(a) << (shamt & 0x1F)), nil // SLLIW
	case 0b101:
		return w(uint32(a) >> (shamt & 0x1F)), nil // SRLIW
	}
	return 0, fmt.Errorf("rv64cpu: illegal OP-IMM-32 funct3 %#x", funct3)
}

func alu(funct3, funct7 uint32, a, b uint64) (uint64, error) {
	switch {
	case funct3 == 0b000 && funct7 == 0x00:
		return a + b, nil // ADD
	case funct3 == 0b000 && funct7 == 0x20:
		return a - b, nil // SUB
	case funct3 == 0b000 && funct7 == 0x01:
		return a * b, nil // MUL
	case funct3 == 0b001:
		return a << (b & 0x3F), nil // SLL
	case funct3 == 0b010:
		return b2u(int64(a) < int64(b)), nil // SLT
	case funct3 == 0b011:
		return b2u(a < b), nil // SLTU
	case funct3 == 0b100:
		return a ^ b, nil // XOR
	case funct3 == 0b101 && funct7 == 0x00:
		return a >> (b & 0x3F), nil // SRL
	case funct3 == 0b101 && funct7 == 0x20:
		return uint64(int64(a) >> (b & 0x3F)), nil // SRA
	case funct3 == 0b110:
		return a | b, nil // OR
	case funct3 == 0b111:
		return a & b, nil // AND
	}
	return 0, fmt.Errorf("rv64cpu: illegal OP funct3=%#x funct7=%#x", funct3, funct7)
}

func alu32(funct3, funct7 uint32, a, b uint64) (uint64, error) {
	w := func(v uint32) uint64 { return signExtend(uint64(v), 32) }
	switch {
	case funct3 == 0b000 && funct7 == 0x00:
		return w(uint32(a) + uint32(b)), nil // ADDW
	case funct3 == 0b000 && funct7 == 0x20:
		return w(uint32(a) - uint32(b)), nil // SUBW
	case funct3 == 0b001:
		return w(uint32(a) << (b & 0x1F)), nil // SLLW
	case funct3 == 0b101 && funct7 == 0x00:
		return w(uint32(a) >> (b & 0x1F)), nil // SRLW
	case funct3 == 0b101 && funct7 == 0x20:
		return uint64(int32(uint32(a)) >> (b & 0x1F)), nil // SRAW
	}
	return 0, fmt.Errorf("rv64cpu: illegal OP-32 funct3=%#x funct7=%#x", funct3, funct7)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
