package pins

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line is a single GPIO line. Outputs drive sensor trigger inputs; inputs
// sample pulse-width outputs.
type Line interface {
	// SetHigh drives the line high.
	SetHigh() error

	// SetLow drives the line low.
	SetLow() error

	// Read returns the current level.
	Read() (bool, error)

	// WaitForEdge blocks until the line changes level or the timeout
	// expires. Returns false on timeout.
	WaitForEdge(timeout time.Duration) bool

	// Close releases the line.
	Close() error
}

var (
	hostOnce    sync.Once
	hostInitErr error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

func byNumber(n int) (gpio.PinIO, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}
	p := gpioreg.ByName("GPIO" + strconv.Itoa(n))
	if p == nil {
		p = gpioreg.ByName(strconv.Itoa(n))
	}
	if p == nil {
		return nil, fmt.Errorf("no gpio line registered for number %d", n)
	}
	return p, nil
}

// OpenOutput opens the pin's GPIO line as an output, driven low.
func OpenOutput(p Pin) (Line, error) {
	io, err := byNumber(p.Number())
	if err != nil {
		return nil, err
	}
	if err := io.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("configure %s as output: %w", p, err)
	}
	return &hostLine{pin: io}, nil
}

// OpenInput opens the pin's GPIO line as an input with edge detection on
// both edges.
func OpenInput(p Pin) (Line, error) {
	io, err := byNumber(p.Number())
	if err != nil {
		return nil, err
	}
	if err := io.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("configure %s as input: %w", p, err)
	}
	return &hostLine{pin: io}, nil
}

type hostLine struct {
	pin gpio.PinIO
}

func (l *hostLine) SetHigh() error {
	return l.pin.Out(gpio.High)
}

func (l *hostLine) SetLow() error {
	return l.pin.Out(gpio.Low)
}

func (l *hostLine) Read() (bool, error) {
	return l.pin.Read() == gpio.High, nil
}

func (l *hostLine) WaitForEdge(timeout time.Duration) bool {
	return l.pin.WaitForEdge(timeout)
}

func (l *hostLine) Close() error {
	return l.pin.Halt()
}
