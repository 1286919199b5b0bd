package batch

import (
	"context"
	"fmt"

	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// BulkCreateCards inserts cards and queues them for sync. Cards without an
// id are assigned one.
func (m *Manager) BulkCreateCards(ctx context.Context, cards []*store.Card, priority queue.Priority) (*Result, error) {
	ops := make([]*queue.Operation, 0, len(cards))
	for _, card := range cards {
		if card.ID == "" {
			card.ID = ulid.CardID()
		}
		op, err := queue.NewOperation(queue.OpTypeCreate, store.EntityKindCard, card.ID, cardPayloadOf(card), priority)
		if err != nil {
			return nil, fmt.Errorf("building create operation: %w", err)
		}
		ops = append(ops, op)
	}
	return m.Process(ctx, ops)
}

// BulkUpdateCards replaces cards and queues the new versions for sync
func (m *Manager) BulkUpdateCards(ctx context.Context, cards []*store.Card, priority queue.Priority) (*Result, error) {
	ops := make([]*queue.Operation, 0, len(cards))
	for _, card := range cards {
		op, err := queue.NewOperation(queue.OpTypeUpdate, store.EntityKindCard, card.ID, cardPayloadOf(card), priority)
		if err != nil {
			return nil, fmt.Errorf("building update operation: %w", err)
		}
		ops = append(ops, op)
	}
	return m.Process(ctx, ops)
}

// BulkDeleteCards tombstones cards and queues the deletes for sync.
// Deletes always run at high priority so they land ahead of pending edits.
func (m *Manager) BulkDeleteCards(ctx context.Context, ids []string) (*Result, error) {
	ops := make([]*queue.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := queue.NewOperation(queue.OpTypeDelete, store.EntityKindCard, id, nil, queue.PriorityHigh)
		if err != nil {
			return nil, fmt.Errorf("building delete operation: %w", err)
		}
		ops = append(ops, op)
	}
	return m.Process(ctx, ops)
}

func cardPayloadOf(card *store.Card) queue.CardPayload {
	return queue.CardPayload{
		ID:          card.ID,
		FolderID:    card.FolderID,
		Title:       card.Title,
		Content:     card.Content,
		Style:       card.Style,
		SyncVersion: card.SyncVersion,
		UpdatedAt:   card.UpdatedAt,
	}
}
