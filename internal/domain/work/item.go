// Package work provides the domain entities for distributable work: the
// items named by the input list and the FIFO of items that have not yet
// been handed to any worker. This package should be imported by any layer
// that needs to reason about units of work independently of how they are
// transported.
package work

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Item represents a single unit of distributable work.
//
// Seq is the item's position in the input list and is its identity: two
// lines carrying the same identifier are still two distinct items. ID is
// the opaque identifier sent to workers (in practice, the URL of a CSV
// resource). Items are created once when the list is loaded and never
// mutated afterwards.
type Item struct {
	Seq int
	ID  string
}

// NewItem constructs an Item at position seq.
func NewItem(seq int, id string) Item { return Item{Seq: seq, ID: id} }

// String renders the item for logs.
func (i Item) String() string { return fmt.Sprintf("#%d(%s)", i.Seq, i.ID) }

// ParseList reads a newline-delimited list of identifiers and returns one
// Item per non-blank line, in order. Carriage returns and surrounding
// whitespace are trimmed; blank lines do not name a resource and are skipped.
func ParseList(r io.Reader) ([]Item, error) {
	var items []Item

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if id := strings.TrimSpace(line); id != "" {
			items = append(items, NewItem(len(items), id))
		}
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading item list: %w", err)
		}
	}
}
