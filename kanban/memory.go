package kanban

import (
	"context"
	"fmt"
	"sync"

	"github.com/arctek/vibecc/pipeline"
)

// MemoryBoard is an in-process board for tests and local experiments. Ticket
// order within a column is insertion order.
type MemoryBoard struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	columns map[string]Column
	closed  map[string]bool
	order   []string
}

var _ Board = (*MemoryBoard)(nil)

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		tickets: make(map[string]*Ticket),
		columns: make(map[string]Column),
		closed:  make(map[string]bool),
	}
}

// Add places a ticket in column.
func (b *MemoryBoard) Add(t Ticket, column Column) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tickets[t.ID]; !ok {
		b.order = append(b.order, t.ID)
	}
	b.tickets[t.ID] = &t
	b.columns[t.ID] = column
}

func (b *MemoryBoard) ListTickets(_ context.Context, column Column) ([]Ticket, error) {
	if !ValidColumn(column) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrColumnNotFound, column)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Ticket
	for _, id := range b.order {
		if b.columns[id] == column && !b.closed[id] {
			out = append(out, *b.tickets[id])
		}
	}
	return out, nil
}

func (b *MemoryBoard) GetTicket(_ context.Context, ticketID string) (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
	}
	copied := *t
	return &copied, nil
}

func (b *MemoryBoard) MoveTicket(_ context.Context, ticketID string, column Column) error {
	if !ValidColumn(column) {
		return fmt.Errorf("%w: %s", pipeline.ErrColumnNotFound, column)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tickets[ticketID]; !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
	}
	b.columns[ticketID] = column
	return nil
}

func (b *MemoryBoard) CloseTicket(_ context.Context, ticketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tickets[ticketID]; !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrTicketNotFound, ticketID)
	}
	b.closed[ticketID] = true
	return nil
}

// Column reports which column a ticket currently sits in.
func (b *MemoryBoard) Column(ticketID string) (Column, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.columns[ticketID]
	return c, ok
}

// Closed reports whether a ticket has been closed.
func (b *MemoryBoard) Closed(ticketID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[ticketID]
}
