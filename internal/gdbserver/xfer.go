package gdbserver

import (
	"fmt"
	"strings"

	"github.com/tricore-tools/tricore-gdb/internal/mcd"
)

// targetXML describes the register file served through
// qXfer:features:read. Clients lay out g/G packets from this document, so
// register order and numbering must match encodeRegisters exactly.
func targetXML() []byte {
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\"?>")
	sb.WriteString("<target version=\"1.0\">")
	sb.WriteString("<architecture>tricore</architecture>")
	sb.WriteString("<feature name=\"org.gnu.gdb.tricore.core\">")
	for n, name := range regNames {
		attr := ""
		switch {
		case name == "pc":
			attr = " type=\"code_ptr\""
		case name[0] == 'a':
			attr = " type=\"data_ptr\""
		}
		fmt.Fprintf(&sb, "<reg name=%q bitsize=\"32\" regnum=\"%d\"%s/>", name, n, attr)
	}
	sb.WriteString("</feature></target>")
	return []byte(sb.String())
}

// memoryMapXML renders the adapter's region list as a GDB memory map.
// Regions with an erase granularity come out as flash so the client
// routes loads through vFlash packets instead of plain writes.
func memoryMapXML(regions []mcd.MemoryRegion) []byte {
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\"?>")
	sb.WriteString("<memory-map>")
	for _, r := range regions {
		if r.Erase > 0 {
			fmt.Fprintf(&sb, "<memory type=\"flash\" start=\"%#x\" length=\"%#x\">", r.Base, r.Length)
			fmt.Fprintf(&sb, "<property name=\"blocksize\">%#x</property>", r.Erase)
			sb.WriteString("</memory>")
		} else {
			fmt.Fprintf(&sb, "<memory type=\"ram\" start=\"%#x\" length=\"%#x\"/>", r.Base, r.Length)
		}
	}
	sb.WriteString("</memory-map>")
	return []byte(sb.String())
}

// xferWindow slices one qXfer read out of a document: 'm' marks a partial
// chunk, 'l' the final one, a bare 'l' means the offset ran off the end.
func xferWindow(doc []byte, off, n int) []byte {
	if off >= len(doc) {
		return []byte{'l'}
	}
	end := off + n
	marker := byte('m')
	if end >= len(doc) {
		end = len(doc)
		marker = 'l'
	}
	out := make([]byte, 0, 1+end-off)
	out = append(out, marker)
	return append(out, doc[off:end]...)
}
