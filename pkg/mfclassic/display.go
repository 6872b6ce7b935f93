package mfclassic

import (
	"fmt"
	"io"
)

func keyCell(k Key, found bool) string {
	if !found {
		return "------------"
	}
	return k.String()
}

func foundMark(found bool) string {
	if found {
		return "1"
	}
	return "0"
}

// PrintResultTable prints the key table in the usual sector listing.
func PrintResultTable(w io.Writer, t *ResultTable) {
	fmt.Fprintln(w, "|-----|----------------|---|----------------|---|")
	fmt.Fprintln(w, "| Sec | key A          |res| key B          |res|")
	fmt.Fprintln(w, "|-----|----------------|---|----------------|---|")
	for s := 0; s < t.Len(); s++ {
		e := t.Sector(s)
		fmt.Fprintf(w, "| %03d | %-14s | %s | %-14s | %s |\n",
			s, keyCell(e.KeyA, e.FoundA), foundMark(e.FoundA), keyCell(e.KeyB, e.FoundB), foundMark(e.FoundB))
	}
	fmt.Fprintln(w, "|-----|----------------|---|----------------|---|")
	fmt.Fprintf(w, "  found %d of %d keys\n", t.FoundCount(), 2*t.Len())
}

// PrintSlotResults prints DiagnoseKeys output, one line per sector.
func PrintSlotResults(w io.Writer, key Key, results []SlotResult) {
	fmt.Fprintf(w, "  Key %s:\n", key)
	for i := 0; i+1 < len(results); i += 2 {
		a, b := results[i], results[i+1]
		fmt.Fprintf(w, "    Sector %2d:  A %-4s  B %-4s\n", a.Sector, okLabel(a), okLabel(b))
	}
}

func okLabel(r SlotResult) string {
	if r.Success {
		return "OK"
	}
	if step, _, _, ok := ClassifyAuthError(r.Err); ok && step == "select" {
		return "SEL"
	}
	if r.Rejected {
		return "--"
	}
	return "ERR"
}
