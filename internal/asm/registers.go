package asm

// Register describes one physical x86-64 register: its encoding (used to
// build ModR/M and SIB bytes and decide whether a REX extension bit is
// needed) and its width. Trimmed from this project's architecture-wide
// register table down to the x86-64 subset — the engine never targets
// ARM64 or RISC-V (see the module's explicit non-goals).
type Register struct {
	Name     string
	Size     int // bits
	Encoding uint8
}

// x86Registers mirrors this project's own x86_64Registers table.
var x86Registers = map[string]Register{
	"rax": {"rax", 64, 0},
	"rcx": {"rcx", 64, 1},
	"rdx": {"rdx", 64, 2},
	"rbx": {"rbx", 64, 3},
	"rsp": {"rsp", 64, 4},
	"rbp": {"rbp", 64, 5},
	"rsi": {"rsi", 64, 6},
	"rdi": {"rdi", 64, 7},
	"r8":  {"r8", 64, 8},
	"r9":  {"r9", 64, 9},
	"r10": {"r10", 64, 10},
	"r11": {"r11", 64, 11},
	"r12": {"r12", 64, 12},
	"r13": {"r13", 64, 13},
	"r14": {"r14", 64, 14},
	"r15": {"r15", 64, 15},

	"eax": {"eax", 32, 0},
	"ecx": {"ecx", 32, 1},
	"edx": {"edx", 32, 2},
	"ebx": {"ebx", 32, 3},
	"esp": {"esp", 32, 4},
	"ebp": {"ebp", 32, 5},
	"esi": {"esi", 32, 6},
	"edi": {"edi", 32, 7},
}

// GetRegister looks up a physical register by name.
func GetRegister(name string) (Register, bool) {
	r, ok := x86Registers[name]
	return r, ok
}

// scratchPool lists general-purpose registers the emitter may bind a
// virtual register to when flattening an obfuscated expression tree. rsp
// and rbp are excluded — they are never repurposed as scratch.
var scratchPool = []string{"rax", "rcx", "rdx", "rbx", "rsi", "rdi", "r8", "r9", "r10", "r11"}
