package monday

import (
	"fmt"
	"strconv"
	"time"
)

// ItemMeta is the change metadata for one board item.
type ItemMeta struct {
	ID        int64
	Name      string
	UpdatedAt time.Time
}

// ColumnValue is one field of an item. Text is nil when the remote value is
// null.
type ColumnValue struct {
	ID   string
	Text *string
}

// Item is a full snapshot of a board item.
type Item struct {
	ItemMeta
	ColumnValues []ColumnValue
}

type wireColumnValue struct {
	ID   string  `json:"id"`
	Text *string `json:"text"`
}

type wireItem struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	UpdatedAt    string            `json:"updated_at"`
	Board        *wireBoardRef     `json:"board,omitempty"`
	ColumnValues []wireColumnValue `json:"column_values"`
}

type wireBoardRef struct {
	ID string `json:"id"`
}

type itemsPage struct {
	Cursor *string    `json:"cursor"`
	Items  []wireItem `json:"items"`
}

type boardsPayload struct {
	Boards []struct {
		Columns   []wireColumn `json:"columns"`
		ItemsPage itemsPage    `json:"items_page"`
	} `json:"boards"`
}

type wireColumn struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type nextPagePayload struct {
	NextItemsPage itemsPage `json:"next_items_page"`
}

type itemsPayload struct {
	Items []wireItem `json:"items"`
}

func (w wireItem) meta() (ItemMeta, error) {
	id, err := strconv.ParseInt(w.ID, 10, 64)
	if err != nil {
		return ItemMeta{}, fmt.Errorf("item id %q: %w", w.ID, err)
	}
	updated, err := time.Parse(time.RFC3339, w.UpdatedAt)
	if err != nil {
		return ItemMeta{}, fmt.Errorf("item %d updated_at %q: %w", id, w.UpdatedAt, err)
	}
	return ItemMeta{ID: id, Name: w.Name, UpdatedAt: updated.UTC()}, nil
}

func (w wireItem) item() (Item, error) {
	meta, err := w.meta()
	if err != nil {
		return Item{}, err
	}
	values := make([]ColumnValue, len(w.ColumnValues))
	for i, cv := range w.ColumnValues {
		values[i] = ColumnValue{ID: cv.ID, Text: cv.Text}
	}
	return Item{ItemMeta: meta, ColumnValues: values}, nil
}
