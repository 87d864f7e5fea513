package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

// DefaultOutputLimit is the number of bytes of tool output kept in context.
const DefaultOutputLimit = 30000

// Truncator trims large outputs, keeping the head and tail and spilling the
// full text to disk.
type Truncator struct {
	Limit    int    // bytes kept in context; <= 0 uses DefaultOutputLimit
	SpillDir string // empty disables spilling
}

// Apply truncates out in place if it exceeds the limit. sessionID and callID
// name the spill file.
func (t Truncator) Apply(out *Output, sessionID, callID string) error {
	limit := t.Limit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	n := len(out.Output)
	if n <= limit {
		return nil
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]interface{})
	}

	var spill string
	if t.SpillDir != "" {
		spill = filepath.Join(t.SpillDir, sessionID, callID+".txt")
		if err := os.MkdirAll(filepath.Dir(spill), 0o755); err != nil {
			return fmt.Errorf("create spill dir: %w", err)
		}
		if err := atomicwriter.WriteFile(spill, []byte(out.Output), 0o644); err != nil {
			return fmt.Errorf("spill output: %w", err)
		}
		out.Metadata["spill_path"] = spill
	}

	head := limit * 2 / 3
	tail := limit - head
	head = cutRune(out.Output, head)
	tailStart := n - tail
	for tailStart < n && !isRuneStart(out.Output[tailStart]) {
		tailStart++
	}

	var b strings.Builder
	b.WriteString(out.Output[:head])
	fmt.Fprintf(&b, "\n\n... [%d bytes truncated", tailStart-head)
	if spill != "" {
		fmt.Fprintf(&b, "; full output in %s", spill)
	}
	b.WriteString("] ...\n\n")
	b.WriteString(out.Output[tailStart:])

	out.Output = b.String()
	out.Metadata["truncated"] = true
	out.Metadata["original_bytes"] = n
	return nil
}

// cutRune returns the largest index <= i that starts a UTF-8 sequence.
func cutRune(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !isRuneStart(s[i]) {
		i--
	}
	return i
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
