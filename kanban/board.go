// Package kanban provides the ticket board gateway. The core speaks a fixed
// four-column vocabulary; each Board implementation maps it onto the
// provider's own notion of columns.
package kanban

import "context"

// Column is one of the fixed board columns the pipeline understands.
type Column string

const (
	ColumnQueue      Column = "queue"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
	ColumnFailed     Column = "failed"
)

// Columns lists every column in board order.
var Columns = []Column{ColumnQueue, ColumnInProgress, ColumnDone, ColumnFailed}

// ValidColumn reports whether c is part of the vocabulary.
func ValidColumn(c Column) bool {
	switch c {
	case ColumnQueue, ColumnInProgress, ColumnDone, ColumnFailed:
		return true
	}
	return false
}

// Ticket is an external work item. Everything beyond these fields is opaque
// to the pipeline.
type Ticket struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// Board is the ticket board contract.
type Board interface {
	// ListTickets returns the tickets currently in column, in board order.
	ListTickets(ctx context.Context, column Column) ([]Ticket, error)

	// GetTicket fetches one ticket by id.
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)

	// MoveTicket places the ticket in column.
	MoveTicket(ctx context.Context, ticketID string, column Column) error

	// CloseTicket closes the ticket in its source system.
	CloseTicket(ctx context.Context, ticketID string) error
}
