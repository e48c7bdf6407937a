// Command pin-test exercises the header pins wired to a sensor. It fires
// trigger pulses on an output pin, counts edges on a pulse-width input,
// and with both pins given checks that the sensor answers each trigger.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/banshee-data/proximity.report/internal/pins"
)

// The MB1300 starts its ranging pulse within a couple of milliseconds of
// the trigger edge; 200ms is comfortably past the longest pulse plus the
// sensor's internal cycle.
const answerWindow = 200 * time.Millisecond

func main() {
	triggerPin := flag.Int("trigger", 0, "physical header pin wired to the sensor trigger (0 to skip)")
	pulsePin := flag.Int("pulse", 0, "physical header pin wired to the sensor PW output (0 to skip)")
	count := flag.Int("n", 3, "trigger pulses to fire")
	hold := flag.Duration("hold", 25*time.Microsecond, "trigger pulse width")
	shape := flag.String("shape", "high", "trigger pulse shape: high, low, or long-low")
	window := flag.Duration("t", 2*time.Second, "edge watch window when only -pulse is given")
	flag.Parse()

	if *triggerPin == 0 && *pulsePin == 0 {
		log.Fatal("nothing to do: pass -trigger and/or -pulse")
	}
	switch *shape {
	case "high", "low":
	case "long-low":
		*hold = 100 * time.Microsecond
	default:
		log.Fatalf("unknown shape %q (high, low, long-low)", *shape)
	}

	var trig, pw pins.Line
	if *triggerPin != 0 {
		pin, err := pins.LineForHeader(*triggerPin)
		if err != nil {
			log.Fatalf("trigger pin: %v", err)
		}
		trig, err = pins.OpenOutput(pin)
		if err != nil {
			log.Fatalf("failed to open %s as output: %v", pin, err)
		}
		defer trig.Close()
		log.Printf("trigger: physical pin %d (%s), shape %s, %s hold", *triggerPin, pin, *shape, *hold)
		if *shape != "high" {
			// Low-going shapes idle HIGH, the free-run level. Give the
			// sensor a moment at the idle level before the first pulse.
			if err := trig.SetHigh(); err != nil {
				log.Fatalf("failed to drive trigger high: %v", err)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if *pulsePin != 0 {
		pin, err := pins.LineForHeader(*pulsePin)
		if err != nil {
			log.Fatalf("pulse pin: %v", err)
		}
		pw, err = pins.OpenInput(pin)
		if err != nil {
			log.Fatalf("failed to open %s as input: %v", pin, err)
		}
		defer pw.Close()
		log.Printf("pulse: physical pin %d (%s)", *pulsePin, pin)
	}

	switch {
	case trig != nil && pw != nil:
		probeSensor(trig, pw, *shape, *count, *hold)
	case trig != nil:
		fireTriggers(trig, *shape, *count, *hold)
	default:
		level, err := pw.Read()
		if err != nil {
			log.Fatalf("failed to read pulse pin: %v", err)
		}
		log.Printf("watching for %s (level now %s)", *window, levelName(level))
		edges := countEdges(pw, *window)
		if edges == 0 {
			log.Printf("⚠ no edges seen; the sensor may be idle or the PW wire (sensor pin 2) loose")
			return
		}
		log.Printf("✓ %d edge(s) in %s", edges, *window)
	}
}

// probeSensor fires triggers one at a time and watches the PW line after
// each, the loop a scope would script: level before, pulse, edge count.
func probeSensor(trig, pw pins.Line, shape string, count int, hold time.Duration) {
	answered := 0
	for i := 1; i <= count; i++ {
		before, err := pw.Read()
		if err != nil {
			log.Fatalf("failed to read pulse pin: %v", err)
		}
		firePulse(trig, shape, hold)
		edges := countEdges(pw, answerWindow)
		log.Printf("trigger %d/%d: PW before=%s, %d edge(s)", i, count, levelName(before), edges)
		if edges > 0 {
			answered++
		}
		time.Sleep(500 * time.Millisecond)
	}
	if answered == 0 {
		log.Printf("⚠ sensor never answered; check power (pin 6 to 5V) and the trigger wire (sensor pin 4)")
		return
	}
	log.Printf("✓ sensor answered %d/%d trigger(s)", answered, count)
}

func fireTriggers(trig pins.Line, shape string, count int, hold time.Duration) {
	for i := 0; i < count; i++ {
		firePulse(trig, shape, hold)
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("✓ fired %d %s trigger pulse(s), %s hold", count, shape, hold)
}

func firePulse(trig pins.Line, shape string, hold time.Duration) {
	pulse, release := trig.SetHigh, trig.SetLow
	if shape != "high" {
		pulse, release = trig.SetLow, trig.SetHigh
	}
	if err := pulse(); err != nil {
		log.Fatalf("failed to drive trigger: %v", err)
	}
	time.Sleep(hold)
	if err := release(); err != nil {
		log.Fatalf("failed to drive trigger: %v", err)
	}
}

func countEdges(pw pins.Line, window time.Duration) int {
	edges := 0
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return edges
		}
		if pw.WaitForEdge(remaining) {
			edges++
		}
	}
}

func levelName(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}
