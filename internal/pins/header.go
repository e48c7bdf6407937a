package pins

import "fmt"

// HeaderPin describes one position on the 26-pin expansion header.
type HeaderPin struct {
	Physical int
	Name     string // SoC net or supply name
	Line     *Pin   // nil for supplies and pins without a GPIO mux
}

func pinOf(name string) *Pin {
	p, err := ParseName(name)
	if err != nil {
		panic(err)
	}
	return &p
}

// header maps physical positions on the Orange Pi 5 26-pin header to their
// nets. Only supplies and the positions this project wires are listed;
// LookupHeader reports false for the rest.
var header = map[int]HeaderPin{
	1:  {Physical: 1, Name: "3V3"},
	2:  {Physical: 2, Name: "5V"},
	4:  {Physical: 4, Name: "5V"},
	6:  {Physical: 6, Name: "GND"},
	9:  {Physical: 9, Name: "GND"},
	14: {Physical: 14, Name: "GND"},
	17: {Physical: 17, Name: "3V3"},
	20: {Physical: 20, Name: "GND"},
	25: {Physical: 25, Name: "GND"},

	// Trigger and pulse lines
	12: {Physical: 12, Name: "GPIO4_B4", Line: pinOf("GPIO4_B4")},
	18: {Physical: 18, Name: "GPIO4_C1", Line: pinOf("GPIO4_C1")},
	22: {Physical: 22, Name: "GPIO4_C2", Line: pinOf("GPIO4_C2")},

	// UART receive lines for the serial-output sensors. Pin 16 muxes
	// between UART4 RX and GPIO4_C0, so it doubles as a trigger output
	// when capture runs in pulse mode.
	16: {Physical: 16, Name: "UART4_RX_M0", Line: pinOf("GPIO4_C0")},
	21: {Physical: 21, Name: "UART3_RX_M0"},
}

// LookupHeader returns the header entry for a physical pin position.
func LookupHeader(physical int) (HeaderPin, bool) {
	hp, ok := header[physical]
	return hp, ok
}

// LineForHeader resolves a physical header position to its GPIO line.
// It fails for supplies, unmapped positions and positions with no GPIO mux.
func LineForHeader(physical int) (Pin, error) {
	hp, ok := header[physical]
	if !ok {
		return Pin{}, fmt.Errorf("physical pin %d is not mapped", physical)
	}
	if hp.Line == nil {
		return Pin{}, fmt.Errorf("physical pin %d (%s) has no GPIO line", physical, hp.Name)
	}
	return *hp.Line, nil
}
