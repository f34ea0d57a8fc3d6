package bitrix

import (
	"context"
	"fmt"
	"strconv"
)

// CRM wraps the crm.item.* and timeline methods for dynamic entity types.
type CRM struct {
	c Caller
}

func NewCRM(c Caller) *CRM {
	return &CRM{c: c}
}

// GetItem fetches the current state of an item.
func (m *CRM) GetItem(ctx context.Context, entityTypeID, itemID int) (Item, error) {
	raw, err := m.c.Call(ctx, "crm.item.get", map[string]any{
		"entityTypeId": entityTypeID,
		"id":           itemID,
	})
	if err != nil {
		return nil, err
	}
	var res struct {
		Item Item `json:"item"`
	}
	if err := decodeResult(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding item %d: %w", itemID, err)
	}
	if res.Item == nil {
		return nil, &RemoteError{Code: "NOT_FOUND", Description: "item " + strconv.Itoa(itemID)}
	}
	return res.Item, nil
}

// UpdateItem writes fields to an item.
func (m *CRM) UpdateItem(ctx context.Context, entityTypeID, itemID int, fields map[string]any) error {
	_, err := m.c.Call(ctx, "crm.item.update", map[string]any{
		"entityTypeId": entityTypeID,
		"id":           itemID,
		"fields":       fields,
	})
	if err != nil {
		return fmt.Errorf("updating item %d: %w", itemID, err)
	}
	return nil
}

// AddTimelineComment posts a comment to the item's timeline.
func (m *CRM) AddTimelineComment(ctx context.Context, entityTypeID, itemID int, text string) error {
	_, err := m.c.Call(ctx, "crm.timeline.comment.add", map[string]any{
		"fields": map[string]any{
			"ENTITY_ID":   itemID,
			"ENTITY_TYPE": "DYNAMIC_" + strconv.Itoa(entityTypeID),
			"COMMENT":     text,
		},
	})
	if err != nil {
		return fmt.Errorf("adding timeline comment to item %d: %w", itemID, err)
	}
	return nil
}
