// Package pins maps RK3588 GPIO names and 26-pin header positions to
// kernel GPIO line numbers, and provides line control for trigger outputs
// and pulse-width inputs.
//
// Rockchip names lines GPIO<bank>_<group><index> where bank is 0-4, group
// is A-D and index is 0-7. The kernel flattens this to a single number:
// bank base plus eight lines per group plus the index.
package pins

import (
	"fmt"
	"strconv"
	"strings"
)

// Per-bank bases for the flattened kernel numbering.
var bankBases = [5]int{0, 32, 64, 96, 128}

// Pin identifies one GPIO line in Rockchip bank/group/index form.
type Pin struct {
	Bank  int // 0-4
	Group int // 0-3, printed A-D
	Index int // 0-7
}

// Number returns the flattened kernel GPIO number for the pin.
func (p Pin) Number() int {
	return bankBases[p.Bank] + p.Group*8 + p.Index
}

// String renders the pin in Rockchip form, e.g. "GPIO4_B4".
func (p Pin) String() string {
	return fmt.Sprintf("GPIO%d_%c%d", p.Bank, byte('A'+p.Group), p.Index)
}

// Valid reports whether bank, group and index are all in range.
func (p Pin) Valid() bool {
	return p.Bank >= 0 && p.Bank <= 4 &&
		p.Group >= 0 && p.Group <= 3 &&
		p.Index >= 0 && p.Index <= 7
}

// FromNumber converts a flattened kernel GPIO number back to bank/group/index
// form.
func FromNumber(n int) (Pin, error) {
	if n < 0 || n >= bankBases[4]+32 {
		return Pin{}, fmt.Errorf("gpio number %d out of range 0-%d", n, bankBases[4]+31)
	}
	bank := 4
	for i := 1; i < len(bankBases); i++ {
		if n < bankBases[i] {
			bank = i - 1
			break
		}
	}
	rem := n - bankBases[bank]
	return Pin{Bank: bank, Group: rem / 8, Index: rem % 8}, nil
}

// ParseName parses a Rockchip pin name like "GPIO4_B4".
func ParseName(name string) (Pin, error) {
	s := strings.TrimPrefix(name, "GPIO")
	if s == name {
		return Pin{}, fmt.Errorf("invalid gpio name %q: missing GPIO prefix", name)
	}

	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || len(parts[1]) != 2 {
		return Pin{}, fmt.Errorf("invalid gpio name %q: want GPIO<bank>_<group><index>", name)
	}

	bank, err := strconv.Atoi(parts[0])
	if err != nil || bank < 0 || bank > 4 {
		return Pin{}, fmt.Errorf("invalid gpio name %q: bank must be 0-4", name)
	}

	group := parts[1][0]
	if group < 'A' || group > 'D' {
		return Pin{}, fmt.Errorf("invalid gpio name %q: group must be A-D", name)
	}

	index := parts[1][1]
	if index < '0' || index > '7' {
		return Pin{}, fmt.Errorf("invalid gpio name %q: index must be 0-7", name)
	}

	return Pin{Bank: bank, Group: int(group - 'A'), Index: int(index - '0')}, nil
}
