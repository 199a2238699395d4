package disasm

// ARM64 control-transfer detection from raw 32-bit encoding.
// These functions identify basic-block terminators and extract branch targets.

// BranchInfo describes a decoded control-transfer instruction.
type BranchInfo struct {
	Target uint64 // absolute target address (direct forms only)
	Reg    int    // target register for BR/BLR/RET, -1 for direct forms
	Cond   bool   // true if conditional (has fallthrough)
	IsRet  bool   // true if RET
	IsCall bool   // true if BL/BLR
	Test   int    // register tested by CBZ/CBNZ/TBZ/TBNZ, -1 for flags
}

// DecodeBranch attempts to decode a control-transfer instruction from raw
// encoding at the given PC. Returns nil if the instruction does not transfer
// control.
func DecodeBranch(raw uint32, pc uint64) *BranchInfo {
	// RET (0xD65F03C0 exactly, or RET Xn = 0xD65F0000 | Rn<<5)
	if raw&0xFFFFFC1F == 0xD65F0000 {
		return &BranchInfo{IsRet: true, Reg: int((raw >> 5) & 0x1F), Test: -1}
	}

	// BR Xn: 1101011 0000 11111 000000 Rn 00000
	if raw&0xFFFFFC1F == 0xD61F0000 {
		return &BranchInfo{Reg: int((raw >> 5) & 0x1F), Test: -1}
	}

	// BLR Xn
	if rn, ok := isBLR(raw); ok {
		return &BranchInfo{Reg: rn, IsCall: true, Test: -1}
	}

	// BL imm26
	if target, ok := isBL(raw, pc); ok {
		return &BranchInfo{Target: target, Reg: -1, IsCall: true, Test: -1}
	}

	// B (unconditional): 000101 imm26
	if raw&0xFC000000 == 0x14000000 {
		imm26 := raw & 0x03FFFFFF
		offset := signExtend(imm26, 26) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Reg: -1, Test: -1}
	}

	// B.cond: 01010100 imm19 0 cond
	if raw&0xFF000010 == 0x54000000 {
		imm19 := (raw >> 5) & 0x7FFFF
		offset := signExtend(imm19, 19) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Reg: -1, Cond: true, Test: -1}
	}

	// CBZ / CBNZ: 0 sf 11010 op imm19 Rt
	if raw&0x7E000000 == 0x34000000 {
		imm19 := (raw >> 5) & 0x7FFFF
		offset := signExtend(imm19, 19) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Reg: -1, Cond: true, Test: int(raw & 0x1F)}
	}

	// TBZ / TBNZ: b5 011011 op b40 imm14 Rt
	if raw&0x7E000000 == 0x36000000 {
		imm14 := (raw >> 5) & 0x3FFF
		offset := signExtend(imm14, 14) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Reg: -1, Cond: true, Test: int(raw & 0x1F)}
	}

	return nil
}

// isBL detects ARM64 BL (branch with link) instructions.
// Encoding: 1 | 00101 | imm26
// Returns the target address (sign-extended imm26 * 4 + PC).
func isBL(raw uint32, pc uint64) (target uint64, ok bool) {
	if raw&0xFC000000 != 0x94000000 {
		return 0, false
	}
	offset := signExtend(raw&0x03FFFFFF, 26)
	return uint64(int64(pc) + int64(offset)*4), true
}

// isBLR detects ARM64 BLR Xn. Returns the register number.
// Mask: 0xFFFFFC1F, Value: 0xD63F0000
func isBLR(raw uint32) (rn int, ok bool) {
	if raw&0xFFFFFC1F != 0xD63F0000 {
		return 0, false
	}
	return int((raw >> 5) & 0x1F), true
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask) // negative
	}
	return int32(val & mask)
}
