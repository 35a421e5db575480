package jit

import (
	stderrors "errors"
	"fmt"

	"jitbox/pkg/errors"
)

// ErrNoRegister is returned when no free register carries the requested role.
// There is no spill path: exhaustion is always a hard failure.
var ErrNoRegister = stderrors.New("no register available")

const (
	tempName   = "$temp"
	returnName = "$ret"
	noValue    = -1
)

// StorageAllocator binds Values to physical registers for one code generator.
// It owns every Value it creates: the arena holds them and the occupancy
// table maps a register index to the arena index of its current occupant.
type StorageAllocator struct {
	registers []Register
	occupancy []int
	values    []*Value
}

// SetRegisters installs the architecture register pool and empties the
// occupancy table. Pool order is allocation preference order. Values created
// before the reset are unbound and no longer owned.
func (a *StorageAllocator) SetRegisters(pool []Register) {
	for _, v := range a.values {
		v.owner = nil
		v.storage = Storage{}
	}
	a.registers = append([]Register(nil), pool...)

	size := 0
	for _, reg := range pool {
		size = max(size, int(reg.Index)+1)
	}
	a.occupancy = make([]int, size)
	for i := range a.occupancy {
		a.occupancy[i] = noValue
	}
	a.values = nil
}

// AllocValue binds a new Value to the first free register whose flags
// intersect mask.
func (a *StorageAllocator) AllocValue(name string, t ValueType, mask RegisterFlag) (*Value, error) {
	if a.registers == nil {
		return nil, errors.ContractErrorf("allocating %q before the register pool is set", name)
	}
	for _, reg := range a.registers {
		if reg.Has(mask) && a.occupancy[reg.Index] == noValue {
			return a.bind(name, t, reg), nil
		}
	}
	return nil, fmt.Errorf("allocating %q (%s): %w", name, mask, ErrNoRegister)
}

// AllocParam allocates from the parameter registers in pool order
func (a *StorageAllocator) AllocParam(name string, t ValueType) (*Value, error) {
	return a.AllocValue(name, t, FlagParameter)
}

// AllocLocal allocates from the general purpose registers
func (a *StorageAllocator) AllocLocal(name string, t ValueType) (*Value, error) {
	return a.AllocValue(name, t, FlagGeneralPurpose)
}

// AllocTemp prefers a Temp register and falls back to any general purpose one.
func (a *StorageAllocator) AllocTemp(t ValueType) (*Value, error) {
	for _, reg := range a.registers {
		if reg.Has(FlagTemp) && a.occupancy[reg.Index] == noValue {
			return a.bind(tempName, t, reg), nil
		}
	}
	return a.AllocValue(tempName, t, FlagGeneralPurpose)
}

// AllocReturn binds a Value to the return register. When the register is
// already occupied the occupant is returned instead of a new Value, so two
// returns can alias one Value. The architecture has a single return slot.
func (a *StorageAllocator) AllocReturn(t ValueType) (*Value, error) {
	for _, reg := range a.registers {
		if !reg.Has(FlagReturn) {
			continue
		}
		if id := a.occupancy[reg.Index]; id != noValue {
			return a.values[id], nil
		}
		return a.bind(returnName, t, reg), nil
	}
	return nil, fmt.Errorf("allocating return value: %w", ErrNoRegister)
}

// Owns reports whether v was created by this allocator
func (a *StorageAllocator) Owns(v *Value) bool {
	return v != nil && v.owner == a
}

// checkOwned rejects Values bound by another allocator. Register indexes are
// only meaningful inside the allocator that handed them out.
func (a *StorageAllocator) checkOwned(op string, v *Value) error {
	if v == nil {
		return errors.ContractErrorf("%s: nil value", op)
	}
	if !a.Owns(v) {
		return errors.ContractErrorf("%s: value %q is not owned by this allocator", op, v.name)
	}
	return nil
}

// Release unbinds v and frees its register for reuse. Releasing an unbound
// Value is a no-op.
func (a *StorageAllocator) Release(v *Value) error {
	if err := a.checkOwned("release", v); err != nil {
		return err
	}
	if v.storage.Kind != InRegister {
		return nil
	}
	idx := v.storage.Reg.Index
	if int(idx) < len(a.occupancy) && a.occupancy[idx] == v.id {
		a.occupancy[idx] = noValue
	}
	v.storage = Storage{}
	return nil
}

// Occupant returns the Value currently bound to reg, or nil
func (a *StorageAllocator) Occupant(reg Register) *Value {
	if int(reg.Index) >= len(a.occupancy) {
		return nil
	}
	if id := a.occupancy[reg.Index]; id != noValue {
		return a.values[id]
	}
	return nil
}

// Live returns the registers that currently hold a Value, in pool order
func (a *StorageAllocator) Live() []Register {
	var live []Register
	for _, reg := range a.registers {
		if a.occupancy[reg.Index] != noValue {
			live = append(live, reg)
		}
	}
	return live
}

func (a *StorageAllocator) bind(name string, t ValueType, reg Register) *Value {
	v := &Value{
		name:      name,
		valueType: t,
		storage:   Storage{Kind: InRegister, Reg: reg},
		owner:     a,
		id:        len(a.values),
	}
	a.values = append(a.values, v)
	a.occupancy[reg.Index] = v.id
	return v
}
