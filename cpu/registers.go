package cpu

// RegisterDef is one named register a concrete CPU declares at
// construction (spec.md §9's "explicit registration table" resolution
// of the reflection-based GetRegistersValues design note). Grounded on
// go/models/arch.go's Arch.Regs enum table, generalized to carry a
// display name and bit width alongside the translator's register index.
type RegisterDef struct {
	Name string
	Enum int
	Bits int
}

// BankDef groups several RegisterDefs (by index into Regs) into a named
// compound register bank, per spec.md §9's mention of "compound register
// banks".
type BankDef struct {
	Name    string
	Members []int
}

// RegVal is one entry of a register dump.
type RegVal struct {
	Name  string
	Value uint64
}

// SetRegisterTable declares this CPU's register file. Set once, normally at
// construction by the concrete architecture; RegDump reads it back
// through the translator's get_register export.
func (c *CPU) SetRegisterTable(regs []RegisterDef, banks []BankDef) {
	c.regs = regs
	c.banks = banks
}

// RegDump emits the current value of every declared register, replacing
// the source's reflective GetRegistersValues with an explicit table walk
// (spec.md §9).
func (c *CPU) RegDump() []RegVal {
	out := make([]RegVal, len(c.regs))
	for i, r := range c.regs {
		out[i] = RegVal{Name: r.Name, Value: c.translator.GetRegister(uint32(r.Enum))}
	}
	return out
}

// RegisterBanks returns the declared compound register banks.
func (c *CPU) RegisterBanks() []BankDef {
	out := make([]BankDef, len(c.banks))
	copy(out, c.banks)
	return out
}
