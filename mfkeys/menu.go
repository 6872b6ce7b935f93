package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var errNoReaders = errors.New("no card readers available")

// selectReader shows an arrow-key menu of PC/SC readers and returns the
// chosen index. With a single reader, or without a terminal, it returns 0.
func selectReader(readers []string) (int, error) {
	if len(readers) == 0 {
		return -1, errNoReaders
	}
	fd := int(os.Stdin.Fd())
	if len(readers) == 1 || !term.IsTerminal(fd) {
		return 0, nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return -1, fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	selected := 0
	fmt.Printf("Select reader:\r\n")
	drawMenu(readers, selected)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1, err
		}

		switch {
		case n == 1 && (buf[0] == 0x0D || buf[0] == 0x0A): // Enter
			fmt.Printf("\r\n")
			return selected, nil
		case n == 1 && (buf[0] == 0x03 || buf[0] == 'q'): // Ctrl-C
			fmt.Printf("\r\n")
			return -1, errors.New("selection aborted")
		case n == 3 && buf[0] == 0x1B && buf[1] == '[':
			next := selected
			if buf[2] == 'A' && selected > 0 {
				next--
			}
			if buf[2] == 'B' && selected < len(readers)-1 {
				next++
			}
			if next != selected {
				selected = next
				// Move cursor up to the first item and redraw
				fmt.Printf("\033[%dA", len(readers))
				drawMenu(readers, selected)
			}
		}
	}
}

func drawMenu(items []string, selected int) {
	for i, item := range items {
		fmt.Print("\033[2K\r")
		if i == selected {
			fmt.Printf("> [%d] %s\r\n", i, item)
		} else {
			fmt.Printf("  [%d] %s\r\n", i, item)
		}
	}
}
