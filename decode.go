// Completion: 100% - Decode/execute loop complete for the emitted subset
package main

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Fetch-decode-execute for the instruction subset the assembler emits:
// REX.W ALU and mov forms with full ModRM/SIB addressing, movabs,
// the F7/FF groups, push/pop, setcc, rel32 branches, cqo and syscall.

type decoder struct {
	c   *CPU
	pos uint64
	rex byte
}

func (d *decoder) fault(format string, args ...interface{}) error {
	return &guestFault{RIP: d.c.rip, Message: fmt.Sprintf(format, args...)}
}

func (d *decoder) fetch(n int) ([]byte, error) {
	b, err := d.c.mem.slice(d.pos, n)
	if err != nil {
		return nil, d.fault("instruction fetch failed: %v", err)
	}
	d.pos += uint64(n)
	return b, nil
}

func (d *decoder) fetch8() (byte, error) {
	b, err := d.fetch(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) fetch32() (int32, error) {
	b, err := d.fetch(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) fetch64() (uint64, error) {
	b, err := d.fetch(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// rmOperand is a decoded ModRM r/m: either a register or an effective
// address. RIP-relative addresses resolve against the end of the
// instruction, so they are finalized by rmAddr after all fetches.
type rmOperand struct {
	isReg   bool
	reg     int
	addr    uint64
	ripRel  bool
	ripDisp int32
}

// modrm decodes the ModRM byte and any SIB/displacement bytes.
func (d *decoder) modrm() (regField int, rm rmOperand, err error) {
	b, err := d.fetch8()
	if err != nil {
		return 0, rm, err
	}
	mod := b >> 6
	regField = int(b>>3) & 7
	if d.rex&0x04 != 0 {
		regField |= 8
	}
	rmBits := int(b) & 7

	if mod == 3 {
		rm.isReg = true
		rm.reg = rmBits
		if d.rex&0x01 != 0 {
			rm.reg |= 8
		}
		return regField, rm, nil
	}

	base, index := -1, -1
	scale := uint64(1)
	disp32Forced := false
	switch {
	case rmBits == 4: // SIB follows
		sib, err := d.fetch8()
		if err != nil {
			return 0, rm, err
		}
		scale = 1 << (sib >> 6)
		index = int(sib>>3) & 7
		if d.rex&0x02 != 0 {
			index |= 8
		}
		if index == 4 {
			index = -1 // 100 with no REX.X means no index
		}
		baseBits := int(sib) & 7
		if baseBits == 5 && mod == 0 {
			disp32Forced = true // absolute disp32, no base
		} else {
			base = baseBits
			if d.rex&0x01 != 0 {
				base |= 8
			}
		}
	case rmBits == 5 && mod == 0:
		rm.ripRel = true
	default:
		base = rmBits
		if d.rex&0x01 != 0 {
			base |= 8
		}
	}

	var disp int64
	switch {
	case mod == 1:
		b, err := d.fetch8()
		if err != nil {
			return 0, rm, err
		}
		disp = int64(int8(b))
	case mod == 2 || rm.ripRel || disp32Forced:
		d32, err := d.fetch32()
		if err != nil {
			return 0, rm, err
		}
		disp = int64(d32)
	}

	if rm.ripRel {
		rm.ripDisp = int32(disp)
		return regField, rm, nil
	}
	addr := uint64(disp)
	if base >= 0 {
		addr += d.c.regs[base]
	}
	if index >= 0 {
		addr += d.c.regs[index] * scale
	}
	rm.addr = addr
	return regField, rm, nil
}

// rmAddr finalizes the effective address. Call only after every byte
// of the instruction has been fetched.
func (d *decoder) rmAddr(rm rmOperand) uint64 {
	if rm.ripRel {
		return d.pos + uint64(int64(rm.ripDisp))
	}
	return rm.addr
}

func (d *decoder) readRM64(rm rmOperand) (uint64, error) {
	if rm.isReg {
		return d.c.regs[rm.reg], nil
	}
	b, err := d.c.mem.slice(d.rmAddr(rm), 8)
	if err != nil {
		return 0, d.fault("%v", err)
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) writeRM64(rm rmOperand, v uint64) error {
	if rm.isReg {
		d.c.regs[rm.reg] = v
		return nil
	}
	b, err := d.c.mem.slice(d.rmAddr(rm), 8)
	if err != nil {
		return d.fault("%v", err)
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (d *decoder) readRM8(rm rmOperand) (uint8, error) {
	if rm.isReg {
		return d.c.readReg8(rm.reg), nil
	}
	b, err := d.c.mem.slice(d.rmAddr(rm), 1)
	if err != nil {
		return 0, d.fault("%v", err)
	}
	return b[0], nil
}

func (d *decoder) writeRM8(rm rmOperand, v uint8) error {
	if rm.isReg {
		d.c.writeReg8(rm.reg, v)
		return nil
	}
	b, err := d.c.mem.slice(d.rmAddr(rm), 1)
	if err != nil {
		return d.fault("%v", err)
	}
	b[0] = v
	return nil
}

// flag helpers

func (c *CPU) setZS(r uint64) {
	c.zf = r == 0
	c.sf = r>>63 != 0
}

func (c *CPU) add64(a, b uint64) uint64 {
	r := a + b
	c.cf = r < a
	c.of = ((a^r)&(b^r))>>63 != 0
	c.setZS(r)
	return r
}

func (c *CPU) sub64(a, b uint64) uint64 {
	r := a - b
	c.cf = a < b
	c.of = ((a^b)&(a^r))>>63 != 0
	c.setZS(r)
	return r
}

func (c *CPU) logic64(r uint64) uint64 {
	c.cf = false
	c.of = false
	c.setZS(r)
	return r
}

func (c *CPU) cond(cc byte) bool {
	switch cc {
	case 0x4:
		return c.zf
	case 0x5:
		return !c.zf
	case 0x8:
		return c.sf
	case 0x9:
		return !c.sf
	case 0xC:
		return c.sf != c.of
	case 0xD:
		return c.sf == c.of
	case 0xE:
		return c.zf || c.sf != c.of
	case 0xF:
		return !c.zf && c.sf == c.of
	}
	return false
}

func (c *CPU) push64(v uint64) error {
	c.regs[RSP] -= 8
	b, err := c.mem.slice(c.regs[RSP], 8)
	if err != nil {
		return &guestFault{RIP: c.rip, Message: fmt.Sprintf("stack push: %v", err)}
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (c *CPU) pop64() (uint64, error) {
	b, err := c.mem.slice(c.regs[RSP], 8)
	if err != nil {
		return 0, &guestFault{RIP: c.rip, Message: fmt.Sprintf("stack pop: %v", err)}
	}
	c.regs[RSP] += 8
	return binary.LittleEndian.Uint64(b), nil
}

// Step executes one instruction. The syscall hook fires before the
// syscall "executes"; on commit the machine advances past it, on stop
// it halts with the recorded exit code.
func (c *CPU) Step() (bool, error) {
	if c.stopped {
		return true, nil
	}
	d := &decoder{c: c, pos: c.rip}

	op, err := d.fetch8()
	if err != nil {
		return false, err
	}
	for op&0xF0 == 0x40 {
		d.rex = op
		op, err = d.fetch8()
		if err != nil {
			return false, err
		}
	}
	wide := d.rex&0x08 != 0

	next := func() (bool, error) {
		c.rip = d.pos
		c.count++
		return false, nil
	}

	switch {
	case op == 0x0F:
		op2, err := d.fetch8()
		if err != nil {
			return false, err
		}
		switch {
		case op2 == 0x05: // syscall
			if c.hook == nil {
				return false, d.fault("syscall with no handler installed")
			}
			res, err := c.hook()
			if err != nil {
				return false, err
			}
			c.count++
			if res.Action == SyscallStop {
				c.exitCode = res.ExitCode
				c.stopped = true
				return true, nil
			}
			c.rip = d.pos
			return false, nil
		case op2 >= 0x80 && op2 <= 0x8F: // jcc rel32
			disp, err := d.fetch32()
			if err != nil {
				return false, err
			}
			c.count++
			if c.cond(op2 & 0xF) {
				c.rip = d.pos + uint64(int64(disp))
			} else {
				c.rip = d.pos
			}
			return false, nil
		case op2 >= 0x90 && op2 <= 0x9F: // setcc rm8
			_, rm, err := d.modrm()
			if err != nil {
				return false, err
			}
			var v uint8
			if c.cond(op2 & 0xF) {
				v = 1
			}
			if err := d.writeRM8(rm, v); err != nil {
				return false, err
			}
			return next()
		case op2 == 0xB6: // movzx r64, rm8
			reg, rm, err := d.modrm()
			if err != nil {
				return false, err
			}
			v, err := d.readRM8(rm)
			if err != nil {
				return false, err
			}
			c.regs[reg] = uint64(v)
			return next()
		case op2 == 0xAF: // imul r64, rm64
			reg, rm, err := d.modrm()
			if err != nil {
				return false, err
			}
			v, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			hi, lo := bits.Mul64(c.regs[reg], v)
			r := int64(lo)
			// signed overflow: the high half must be a pure sign
			// extension of the low half
			signHi := hi - (c.regs[reg]>>63)*v - (v>>63)*c.regs[reg]
			overflow := signHi != uint64(r>>63)
			c.regs[reg] = lo
			c.cf = overflow
			c.of = overflow
			c.setZS(lo)
			return next()
		}
		return false, d.fault("unknown opcode 0f %02x", op2)

	case op >= 0x50 && op <= 0x57: // push r64
		reg := int(op & 7)
		if d.rex&0x01 != 0 {
			reg |= 8
		}
		if err := c.push64(c.regs[reg]); err != nil {
			return false, err
		}
		return next()

	case op >= 0x58 && op <= 0x5F: // pop r64
		reg := int(op & 7)
		if d.rex&0x01 != 0 {
			reg |= 8
		}
		v, err := c.pop64()
		if err != nil {
			return false, err
		}
		c.regs[reg] = v
		return next()

	case op == 0x68: // push imm32 sign-extended
		imm, err := d.fetch32()
		if err != nil {
			return false, err
		}
		if err := c.push64(uint64(int64(imm))); err != nil {
			return false, err
		}
		return next()

	case op >= 0xB8 && op <= 0xBF && wide: // movabs r64, imm64
		reg := int(op & 7)
		if d.rex&0x01 != 0 {
			reg |= 8
		}
		imm, err := d.fetch64()
		if err != nil {
			return false, err
		}
		c.regs[reg] = imm
		return next()

	case op == 0x89: // mov rm64, r64
		reg, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		if err := d.writeRM64(rm, c.regs[reg]); err != nil {
			return false, err
		}
		return next()

	case op == 0x8B: // mov r64, rm64
		reg, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		v, err := d.readRM64(rm)
		if err != nil {
			return false, err
		}
		c.regs[reg] = v
		return next()

	case op == 0xC7: // mov rm64, imm32 sign-extended
		_, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		imm, err := d.fetch32()
		if err != nil {
			return false, err
		}
		if err := d.writeRM64(rm, uint64(int64(imm))); err != nil {
			return false, err
		}
		return next()

	case op == 0x8D: // lea r64, m
		reg, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		if rm.isReg {
			return false, d.fault("lea with register operand")
		}
		c.regs[reg] = d.rmAddr(rm)
		return next()

	case op == 0x01 || op == 0x03 || op == 0x29 || op == 0x2B ||
		op == 0x31 || op == 0x33 || op == 0x39 || op == 0x3B || op == 0x85:
		reg, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		rmVal, err := d.readRM64(rm)
		if err != nil {
			return false, err
		}
		regVal := c.regs[reg]
		switch op {
		case 0x01: // add rm, r
			if err := d.writeRM64(rm, c.add64(rmVal, regVal)); err != nil {
				return false, err
			}
		case 0x03: // add r, rm
			c.regs[reg] = c.add64(regVal, rmVal)
		case 0x29: // sub rm, r
			if err := d.writeRM64(rm, c.sub64(rmVal, regVal)); err != nil {
				return false, err
			}
		case 0x2B: // sub r, rm
			c.regs[reg] = c.sub64(regVal, rmVal)
		case 0x31: // xor rm, r
			if err := d.writeRM64(rm, c.logic64(rmVal^regVal)); err != nil {
				return false, err
			}
		case 0x33: // xor r, rm
			c.regs[reg] = c.logic64(regVal ^ rmVal)
		case 0x39: // cmp rm, r
			c.sub64(rmVal, regVal)
		case 0x3B: // cmp r, rm
			c.sub64(regVal, rmVal)
		case 0x85: // test rm, r
			c.logic64(rmVal & regVal)
		}
		return next()

	case op == 0x81: // group 1: op rm64, imm32
		digit, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		imm32, err := d.fetch32()
		if err != nil {
			return false, err
		}
		imm := uint64(int64(imm32))
		rmVal, err := d.readRM64(rm)
		if err != nil {
			return false, err
		}
		switch digit & 7 {
		case 0: // add
			err = d.writeRM64(rm, c.add64(rmVal, imm))
		case 5: // sub
			err = d.writeRM64(rm, c.sub64(rmVal, imm))
		case 6: // xor
			err = d.writeRM64(rm, c.logic64(rmVal^imm))
		case 7: // cmp
			c.sub64(rmVal, imm)
		default:
			return false, d.fault("unsupported group1 digit %d", digit&7)
		}
		if err != nil {
			return false, err
		}
		return next()

	case op == 0xF7: // group 3
		digit, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		switch digit & 7 {
		case 0: // test rm, imm32
			imm32, err := d.fetch32()
			if err != nil {
				return false, err
			}
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			c.logic64(rmVal & uint64(int64(imm32)))
		case 3: // neg
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			r := -rmVal
			c.cf = rmVal != 0
			c.of = rmVal == 1<<63
			c.setZS(r)
			if err := d.writeRM64(rm, r); err != nil {
				return false, err
			}
		case 5: // imul rdx:rax = rax * rm
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			hi, lo := bits.Mul64(c.regs[RAX], rmVal)
			hi -= (c.regs[RAX]>>63)*rmVal + (rmVal>>63)*c.regs[RAX]
			c.regs[RAX] = lo
			c.regs[RDX] = hi
			overflow := hi != uint64(int64(lo)>>63)
			c.cf = overflow
			c.of = overflow
		case 6: // div
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			if rmVal == 0 || c.regs[RDX] >= rmVal {
				return false, d.fault("divide error")
			}
			q, r := bits.Div64(c.regs[RDX], c.regs[RAX], rmVal)
			c.regs[RAX] = q
			c.regs[RDX] = r
		case 7: // idiv
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			if err := c.idiv(rmVal); err != nil {
				return false, err
			}
		default:
			return false, d.fault("unsupported group3 digit %d", digit&7)
		}
		return next()

	case op == 0xFF: // group 5
		digit, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		switch digit & 7 {
		case 0: // inc
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			r := rmVal + 1
			c.of = rmVal == 1<<63-1
			c.setZS(r)
			if err := d.writeRM64(rm, r); err != nil {
				return false, err
			}
		case 1: // dec
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			r := rmVal - 1
			c.of = rmVal == 1<<63
			c.setZS(r)
			if err := d.writeRM64(rm, r); err != nil {
				return false, err
			}
		case 6: // push rm64
			rmVal, err := d.readRM64(rm)
			if err != nil {
				return false, err
			}
			if err := c.push64(rmVal); err != nil {
				return false, err
			}
		default:
			return false, d.fault("unsupported group5 digit %d", digit&7)
		}
		return next()

	case op == 0x8F: // pop rm64
		_, rm, err := d.modrm()
		if err != nil {
			return false, err
		}
		v, err := c.pop64()
		if err != nil {
			return false, err
		}
		if err := d.writeRM64(rm, v); err != nil {
			return false, err
		}
		return next()

	case op == 0x99 && wide: // cqo
		c.regs[RDX] = uint64(int64(c.regs[RAX]) >> 63)
		return next()

	case op == 0xE8: // call rel32
		disp, err := d.fetch32()
		if err != nil {
			return false, err
		}
		if err := c.push64(d.pos); err != nil {
			return false, err
		}
		c.count++
		c.rip = d.pos + uint64(int64(disp))
		return false, nil

	case op == 0xE9: // jmp rel32
		disp, err := d.fetch32()
		if err != nil {
			return false, err
		}
		c.count++
		c.rip = d.pos + uint64(int64(disp))
		return false, nil

	case op == 0xC3: // ret
		v, err := c.pop64()
		if err != nil {
			return false, err
		}
		c.count++
		c.rip = v
		return false, nil
	}

	return false, d.fault("unknown opcode %02x", op)
}

// idiv implements 128/64 signed division of rdx:rax by v.
func (c *CPU) idiv(v uint64) error {
	if v == 0 {
		return &guestFault{RIP: c.rip, Message: "divide error"}
	}
	hi, lo := c.regs[RDX], c.regs[RAX]
	negNum := hi>>63 != 0
	if negNum {
		// negate the 128-bit numerator
		lo = -lo
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	div := v
	negDiv := int64(v) < 0
	if negDiv {
		div = uint64(-int64(v))
	}
	if hi >= div {
		return &guestFault{RIP: c.rip, Message: "divide overflow"}
	}
	q, r := bits.Div64(hi, lo, div)
	if negNum != negDiv {
		q = -q
	}
	if negNum {
		r = -r
	}
	// quotient must fit in a signed 64-bit register
	if q != 0 && (int64(q) < 0) != (negNum != negDiv) {
		return &guestFault{RIP: c.rip, Message: "divide overflow"}
	}
	c.regs[RAX] = q
	c.regs[RDX] = r
	return nil
}
