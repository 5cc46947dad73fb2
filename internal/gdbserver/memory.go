package gdbserver

import "github.com/tricore-tools/tricore-gdb/internal/mcd"

// readTargetMemory fetches [addr, addr+n) through one core in chunks the
// adapter accepts, then overlays saved breakpoint bytes so trap opcodes
// stay invisible to the client.
func readTargetMemory(core mcd.Core, bps *breakpointSet, max int, addr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	for off := 0; off < n; {
		chunk := n - off
		if chunk > max {
			chunk = max
		}
		if err := core.ReadMemory(addr+uint32(off), buf[off:off+chunk]); err != nil {
			return nil, err
		}
		off += chunk
	}
	bps.Shadow(addr, buf)
	return buf, nil
}

// writeTargetMemory stores data at addr, routing bytes that fall under a
// live breakpoint into its saved originals and the rest to memory, again
// honoring the adapter transfer limit. The saved originals change only
// once every write-through span landed.
func writeTargetMemory(core mcd.Core, bps *breakpointSet, max int, addr uint32, data []byte) error {
	spans, commit := bps.PlanWrite(addr, data)
	for _, span := range spans {
		for off := 0; off < len(span.data); {
			chunk := len(span.data) - off
			if chunk > max {
				chunk = max
			}
			if err := core.WriteMemory(span.addr+uint32(off), span.data[off:off+chunk]); err != nil {
				return err
			}
			off += chunk
		}
	}
	commit()
	return nil
}
