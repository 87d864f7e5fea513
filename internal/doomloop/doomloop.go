// Package doomloop detects an agent repeating the same tool call.
package doomloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

// DefaultThreshold is the number of identical consecutive calls that ends a session.
const DefaultThreshold = 5

// Fingerprint hashes a tool name with its canonicalized arguments. Map keys are
// sorted by encoding/json, so argument order does not matter.
func Fingerprint(name string, args map[string]interface{}) string {
	canon, err := json.Marshal(args)
	if err != nil {
		canon = []byte(fmt.Sprintf("%v", args))
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canon)
	return fmt.Sprintf("%s:%x", name, h.Sum(nil)[:12])
}

// Detector tracks the most recent fingerprint and how many times in a row it
// has been seen. It belongs to one session and is not safe for concurrent use.
type Detector struct {
	threshold int
	window    int // steps; 0 disables the window

	last     string
	count    int
	lastStep int
}

// New creates a detector. threshold < 2 falls back to DefaultThreshold.
func New(threshold, window int) *Detector {
	if threshold < 2 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold, window: window}
}

// Threshold returns the repetition threshold.
func (d *Detector) Threshold() int { return d.threshold }

// Advance tells the detector the session moved to step. If the last
// fingerprint was seen more than the window ago the streak is dropped.
func (d *Detector) Advance(step int) {
	if d.window > 0 && d.count > 0 && step-d.lastStep > d.window {
		d.reset()
	}
}

// Check runs before dispatch. It refuses a call that would extend a streak
// already at the threshold.
func (d *Detector) Check(fp string) error {
	if fp == d.last && d.count >= d.threshold {
		return d.err(fp)
	}
	return nil
}

// Record runs after dispatch. It returns a DoomLoopDetected error once the
// same fingerprint has been recorded threshold times in a row.
func (d *Detector) Record(fp string, step int) error {
	if fp == d.last {
		d.count++
	} else {
		d.last = fp
		d.count = 1
	}
	d.lastStep = step
	if d.count >= d.threshold {
		return d.err(fp)
	}
	return nil
}

// Count returns the current streak length.
func (d *Detector) Count() int { return d.count }

func (d *Detector) reset() {
	d.last = ""
	d.count = 0
}

func (d *Detector) err(fp string) error {
	return agenterr.New(agenterr.KindDoomLoop, "doomloop",
		fmt.Sprintf("tool call %s repeated %d times in a row", fp, d.count))
}
