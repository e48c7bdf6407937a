// Command uart-probe enumerates the board's serial ports and listens on
// each candidate for MB1300 range frames. Run it when wiring up a new box
// to find which /dev/ttyS* each sensor's TX pin landed on.
package main

import (
	"flag"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/proximity.report/internal/sensormux"
	"github.com/banshee-data/proximity.report/internal/sonar"
)

// The Orange Pi 5 exposes its UARTs as ttyS*; ttyAMA and ttyFIQ appear on
// other SBC kernels, and ttyUSB/ttyACM cover bench tests through a USB
// serial adapter.
var uartPrefixes = []string{"ttyS", "ttyAMA", "ttyFIQ", "ttyUSB", "ttyACM"}

func main() {
	port := flag.String("port", "", "probe a single port instead of scanning")
	baud := flag.Int("baud", 9600, "baud rate")
	window := flag.Duration("t", 3*time.Second, "listen window per port")
	flag.Parse()

	var candidates []string
	if *port != "" {
		candidates = []string{*port}
	} else {
		ports, err := serial.GetPortsList()
		if err != nil {
			log.Fatalf("failed to enumerate serial ports: %v", err)
		}
		// The OS port list misses UARTs without a registered driver
		// alias, so union it with a straight /dev glob.
		seen := map[string]bool{}
		for _, prefix := range uartPrefixes {
			globbed, _ := filepath.Glob("/dev/" + prefix + "*")
			ports = append(ports, globbed...)
		}
		for _, p := range ports {
			if seen[p] || !isUARTCandidate(p) {
				continue
			}
			seen[p] = true
			candidates = append(candidates, p)
		}
		sort.Strings(candidates)
	}
	if len(candidates) == 0 {
		log.Fatal("no UART devices found; the ports may need a device tree overlay (overlays=uart3 uart4 in /boot/orangepiEnv.txt)")
	}

	log.Printf("probing %d port(s) at %d baud, %s each", len(candidates), *baud, *window)
	live := 0
	for _, path := range candidates {
		if probePort(path, *baud, *window) {
			live++
		}
	}
	if live == 0 {
		log.Printf("⚠ no range frames on any port; check sensor power (pin 6 to 5V, pin 7 to GND) and the pin 5 TX wiring")
		return
	}
	log.Printf("✓ %d port(s) carrying range frames", live)
}

func isUARTCandidate(path string) bool {
	base := filepath.Base(path)
	for _, prefix := range uartPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// probePort listens on one port and reports whether it saw decodable
// range frames. The sensor free-runs at roughly ten frames a second, so
// even a short window should catch a couple of dozen bytes.
func probePort(path string, baud int, window time.Duration) bool {
	mode, err := sensormux.PortOptions{BaudRate: baud}.SerialMode()
	if err != nil {
		log.Fatalf("invalid port options: %v", err)
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		log.Printf("%s: open failed: %v", path, err)
		return false
	}
	defer p.Close()

	if err := p.SetReadTimeout(200 * time.Millisecond); err != nil {
		log.Printf("%s: set read timeout: %v", path, err)
		return false
	}
	p.ResetInputBuffer()

	var (
		pending   strings.Builder
		bytesRead int
		frames    int
		inRange   int
		lastCM    int
	)
	buf := make([]byte, 256)
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if err != nil {
			log.Printf("%s: read failed: %v", path, err)
			return false
		}
		if n == 0 {
			continue
		}
		bytesRead += n
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				pending.WriteByte(b)
				continue
			}
			frame := pending.String()
			pending.Reset()
			if frame == "" {
				continue
			}
			frames++
			r, err := sonar.DecodeFrame(0, frame, time.Now())
			if err != nil {
				continue
			}
			if r.Valid {
				inRange++
				lastCM = r.DistanceCM
			}
		}
	}

	switch {
	case bytesRead == 0:
		log.Printf("%s: silent", path)
		return false
	case inRange == 0:
		log.Printf("⚠ %s: %d byte(s), %d frame(s), none decoded as range data", path, bytesRead, frames)
		return false
	default:
		log.Printf("✓ %s: %d frame(s) in %s (%.1f/s), %d in range, last %d cm",
			path, frames, window, float64(frames)/window.Seconds(), inRange, lastCM)
		return true
	}
}
