package vm

import "fmt"

// Step fetches, traces, and dispatches a single instruction. It reports
// whether the VM should keep running (false after HALT) and any fault
// encountered. A fault leaves the VM in StateFaulted; callers must not
// call Step again afterwards — the VM's data/code stores are left in
// whatever partial state the faulting instruction produced, which is
// the documented "no rollback" behavior.
func (v *VM) Step() (bool, error) {
	instr, cp, err := v.fetch()
	if err != nil {
		v.state = StateFaulted
		return false, err
	}
	if v.state == StateReady {
		v.state = StateRunning
	}

	if v.trace != nil {
		line := fmt.Sprintf("0x%04X: %s", cp, instr)
		if err := v.trace.WriteLine(line); err != nil {
			v.state = StateFaulted
			return false, err
		}
	}

	running, err := v.dispatch(instr)
	if err != nil {
		v.state = StateFaulted
		return false, err
	}
	if !running {
		v.state = StateHalted
	}
	return running, nil
}

// dispatch executes a single decoded instruction. It returns (false, nil)
// only for HALT; every other opcode either succeeds (true, nil) or
// returns a non-nil fault.
func (v *VM) dispatch(instr Instruction) (bool, error) {
	switch instr.Op {
	case OpLoad:
		return true, v.execLoad(instr)
	case OpLoada:
		return true, v.execLoada(instr)
	case OpLoadi:
		return true, v.execLoadi(instr)
	case OpLoadl:
		return true, v.execLoadl(instr)
	case OpStore:
		return true, v.execStore(instr)
	case OpStorei:
		return true, v.execStorei(instr)
	case OpCall:
		return true, v.execCall(instr)
	case OpCalli:
		return true, v.execCalli()
	case OpReturn:
		return true, v.execReturn(instr)
	case OpPush:
		return true, v.execPush(instr)
	case OpPop:
		return true, v.execPop(instr)
	case OpJump:
		return true, v.execJump(instr)
	case OpJumpi:
		return true, v.execJumpi()
	case OpJumpif:
		return true, v.execJumpif(instr)
	case OpHalt:
		return false, nil
	default:
		return false, &UnknownOpcodeError{Op: uint8(instr.Op)}
	}
}

// execLoad pushes the n words starting at calcAddress(r, d), ascending.
// Addresses are checked one at a time; a word already pushed before a
// later address faults stays pushed, since a fault halts the VM anyway.
func (v *VM) execLoad(instr Instruction) error {
	base := v.calcAddress(instr.R, instr.D)
	for i := uint16(0); i < uint16(instr.N); i++ {
		addr := base + i
		if err := v.checkDataAddress(addr); err != nil {
			return err
		}
		if err := v.push(v.dataStore[addr]); err != nil {
			return err
		}
	}
	return nil
}

// execLoada pushes the effective address itself, reinterpreted as a
// signed 16-bit value.
func (v *VM) execLoada(instr Instruction) error {
	addr := v.calcAddress(instr.R, instr.D)
	return v.push(int16(addr))
}

// execLoadi pops an address off the stack and behaves like execLoad with
// that popped value as the base.
func (v *VM) execLoadi(instr Instruction) error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	base := uint16(a)
	for i := uint16(0); i < uint16(instr.N); i++ {
		addr := base + i
		if err := v.checkDataAddress(addr); err != nil {
			return err
		}
		if err := v.push(v.dataStore[addr]); err != nil {
			return err
		}
	}
	return nil
}

// execLoadl pushes its literal operand.
func (v *VM) execLoadl(instr Instruction) error {
	return v.push(instr.D)
}

// execStore pops n values (top-first) and writes them at
// calcAddress(r, d), restoring original stack order at the target.
func (v *VM) execStore(instr Instruction) error {
	buf, err := v.popWords(int(instr.N))
	if err != nil {
		return err
	}
	base := v.calcAddress(instr.R, instr.D)
	return v.storeWords(base, buf)
}

// execStorei pops an address, then n values, and writes them starting at
// the popped address (not at calcAddress(r, d) — see the Open Question
// note on STOREI in SPEC_FULL.md).
func (v *VM) execStorei(instr Instruction) error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	buf, err := v.popWords(int(instr.N))
	if err != nil {
		return err
	}
	return v.storeWords(uint16(a), buf)
}

// popWords pops n values off the stack, top-first, so buf[0] is the
// highest-address word being stored.
func (v *VM) popWords(n int) ([]int16, error) {
	buf := make([]int16, n)
	for i := 0; i < n; i++ {
		val, err := v.pop()
		if err != nil {
			return nil, err
		}
		buf[i] = val
	}
	return buf, nil
}

// storeWords writes buf (top-first order from popWords) into
// [base, base+len(buf)), checking each address's legality before
// writing it.
func (v *VM) storeWords(base uint16, buf []int16) error {
	n := len(buf)
	for i := 0; i < n; i++ {
		addr := base + uint16(i)
		if err := v.checkDataAddress(addr); err != nil {
			return err
		}
		v.dataStore[addr] = buf[n-1-i]
	}
	return nil
}

// execCall builds a three-word frame header (static link, dynamic link,
// return address) and transfers control to calcAddress(r, d), unless
// that address falls in the primitive range [PB, PT), in which case the
// primitive is invoked directly and no frame header is pushed.
func (v *VM) execCall(instr Instruction) error {
	staticLink := v.registers[instr.N]
	addr := v.calcAddress(instr.R, instr.D)
	return v.call(staticLink, addr)
}

// execCalli pops a target address, then a static-link value, and behaves
// like execCall with those popped values.
func (v *VM) execCalli() error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	sl, err := v.pop()
	if err != nil {
		return err
	}
	return v.call(uint16(sl), uint16(a))
}

// call is the shared CALL/CALLI implementation once (staticLink, addr)
// have been resolved.
func (v *VM) call(staticLink, addr uint16) error {
	if addr >= v.registers[PB] && addr < v.registers[PT] {
		return v.execPrimitive(addr - v.registers[PB])
	}

	dynamicLink := v.registers[LB]
	returnAddr := v.registers[CP]

	if err := v.push(int16(staticLink)); err != nil {
		return err
	}
	if err := v.push(int16(dynamicLink)); err != nil {
		return err
	}
	if err := v.push(int16(returnAddr)); err != nil {
		return err
	}

	v.registers[LB] = v.registers[ST] - 3

	if err := v.checkCodeAddress(addr); err != nil {
		return err
	}
	v.registers[CP] = addr
	return nil
}

// execReturn pops n result words, restores the caller's frame from the
// header at LB, discards d further argument words, and pushes the
// result words back in their original order.
func (v *VM) execReturn(instr Instruction) error {
	results, err := v.popWords(int(instr.N))
	if err != nil {
		return err
	}

	lb := v.registers[LB]
	dynamicLink := uint16(v.dataStore[lb+1])
	returnAddr := uint16(v.dataStore[lb+2])

	v.registers[ST] = lb - uint16(instr.D)

	for i := len(results) - 1; i >= 0; i-- {
		if err := v.push(results[i]); err != nil {
			return err
		}
	}

	v.registers[LB] = dynamicLink
	v.registers[CP] = returnAddr
	return nil
}

// execPush reserves d words of stack space without writing to them.
func (v *VM) execPush(instr Instruction) error {
	newST := v.registers[ST] + uint16(instr.D)
	if newST > v.registers[HT] {
		return ErrStackOverflow
	}
	v.registers[ST] = newST
	return nil
}

// execPop saves the top n words, discards the next d words beneath
// them, and restores the n saved words — used to pop locals while
// keeping a result on top of the stack.
func (v *VM) execPop(instr Instruction) error {
	saved, err := v.popWords(int(instr.N))
	if err != nil {
		return err
	}
	v.registers[ST] -= uint16(instr.D)
	for i := len(saved) - 1; i >= 0; i-- {
		if err := v.push(saved[i]); err != nil {
			return err
		}
	}
	return nil
}

// execJump transfers control to calcAddress(r, d).
func (v *VM) execJump(instr Instruction) error {
	target := v.calcAddress(instr.R, instr.D)
	if err := v.checkCodeAddress(target); err != nil {
		return err
	}
	v.registers[CP] = target
	return nil
}

// execJumpi pops a target address and jumps to it.
func (v *VM) execJumpi() error {
	a, err := v.pop()
	if err != nil {
		return err
	}
	target := uint16(a)
	if err := v.checkCodeAddress(target); err != nil {
		return err
	}
	v.registers[CP] = target
	return nil
}

// execJumpif pops a value and jumps to calcAddress(r, d) when it equals
// n, falling through otherwise.
func (v *VM) execJumpif(instr Instruction) error {
	val, err := v.pop()
	if err != nil {
		return err
	}
	if val != int16(instr.N) {
		return nil
	}
	return v.execJump(instr)
}
