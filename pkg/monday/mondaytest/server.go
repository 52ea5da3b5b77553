// Package mondaytest provides an in-memory fake of the board GraphQL API for
// tests. It understands exactly the query shapes the monday client sends.
package mondaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request kinds, used for call counting and fault injection.
const (
	KindColumns = "columns"
	KindChanged = "changed"
	KindBoard   = "board"
	KindNext    = "next"
	KindItems   = "items"
)

// Item is one board item held by the fake.
type Item struct {
	ID        int64
	Name      string
	UpdatedAt time.Time
	// DueToday makes the item match the today-column rule.
	DueToday bool
	Values   map[string]*string
	// Hidden items are listed as changed but not returned by items(ids:),
	// like items the token cannot read.
	Hidden bool
}

// Fault makes matching requests fail. Times limits how many requests fail;
// zero means every matching request.
type Fault struct {
	Kind   string
	Status int
	Errors []string
	Times  int
}

// Server is a fake board API.
type Server struct {
	*httptest.Server

	BoardID int64
	Token   string

	mu      sync.Mutex
	columns map[string]string
	items   map[int64]*Item
	faults  []*Fault
	calls   map[string]int
	batches [][]string
	cursors map[string][]int64
	nextCur int
}

// NewServer starts a fake for boardID that accepts token.
func NewServer(boardID int64, token string) *Server {
	s := &Server{
		BoardID: boardID,
		Token:   token,
		columns: map[string]string{},
		items:   map[int64]*Item{},
		calls:   map[string]int{},
		cursors: map[string][]int64{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Text is a convenience for building Values.
func Text(s string) *string { return &s }

// SetColumn registers a board column title.
func (s *Server) SetColumn(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[id] = title
}

// Put adds or replaces an item.
func (s *Server) Put(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := item
	cp.Values = map[string]*string{}
	for k, v := range item.Values {
		cp.Values[k] = v
	}
	s.items[item.ID] = &cp
}

// Delete removes an item.
func (s *Server) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

// Inject registers a fault.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// ClearFaults removes all faults.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls returns how many requests of kind were received.
func (s *Server) Calls(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// ItemBatches returns the id lists of every items(ids:) request.
func (s *Server) ItemBatches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	copy(out, s.batches)
	return out
}

type request struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

type variables struct {
	Board  []string `json:"board"`
	IDs    []string `json:"ids"`
	Limit  int      `json:"limit"`
	Cursor string   `json:"cursor"`
	Params *struct {
		Rules []struct {
			ColumnID     string   `json:"column_id"`
			CompareValue []string `json:"compare_value"`
			Operator     string   `json:"operator"`
		} `json:"rules"`
		Operator string `json:"operator"`
	} `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != s.Token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": []map[string]string{{"message": "Not Authenticated"}}})
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var vars variables
	if len(req.Variables) > 0 {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			http.Error(w, "bad variables", http.StatusBadRequest)
			return
		}
	}

	kind := classify(req.Query)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[kind]++

	if f := s.takeFault(kind); f != nil {
		status := f.Status
		if status == 0 {
			status = http.StatusOK
		}
		body := map[string]any{"data": nil}
		if len(f.Errors) > 0 {
			errs := make([]map[string]string, len(f.Errors))
			for i, m := range f.Errors {
				errs[i] = map[string]string{"message": m}
			}
			body["errors"] = errs
		}
		writeJSON(w, status, body)
		return
	}

	switch kind {
	case KindColumns:
		s.serveColumns(w, vars)
	case KindChanged:
		s.serveListing(w, vars, s.changedIDs(vars), false)
	case KindBoard:
		s.serveListing(w, vars, s.allIDs(), true)
	case KindNext:
		s.serveNext(w, vars, strings.Contains(req.Query, "column_values"))
	case KindItems:
		s.serveItems(w, vars)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]string{{"message": "unsupported query"}}})
	}
}

func classify(query string) string {
	switch {
	case strings.Contains(query, "columns {"):
		return KindColumns
	case strings.Contains(query, "next_items_page"):
		return KindNext
	case strings.Contains(query, "query_params"):
		return KindChanged
	case strings.Contains(query, "items_page"):
		return KindBoard
	case strings.Contains(query, "items(ids"):
		return KindItems
	}
	return "unknown"
}

func (s *Server) takeFault(kind string) *Fault {
	for i, f := range s.faults {
		if f.Kind != kind {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return f
	}
	return nil
}

func (s *Server) boardMatches(vars variables) bool {
	return len(vars.Board) == 1 && vars.Board[0] == strconv.FormatInt(s.BoardID, 10)
}

func (s *Server) serveColumns(w http.ResponseWriter, vars variables) {
	if !s.boardMatches(vars) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"boards": []any{}}})
		return
	}
	ids := make([]string, 0, len(s.columns))
	for id := range s.columns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cols := make([]map[string]string, len(ids))
	for i, id := range ids {
		cols[i] = map[string]string{"id": id, "title": s.columns[id]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"boards": []any{map[string]any{"columns": cols}},
	}})
}

func (s *Server) changedIDs(vars variables) []int64 {
	var since time.Time
	if vars.Params != nil {
		for _, rule := range vars.Params.Rules {
			if rule.ColumnID == "__last_updated__" && len(rule.CompareValue) > 0 {
				ts := rule.CompareValue[len(rule.CompareValue)-1]
				since, _ = time.Parse(time.RFC3339, ts)
			}
		}
	}
	var ids []int64
	for id, it := range s.items {
		if it.UpdatedAt.After(since) || it.DueToday {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) allIDs() []int64 {
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) serveListing(w http.ResponseWriter, vars variables, ids []int64, full bool) {
	if !s.boardMatches(vars) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"boards": []any{}}})
		return
	}
	page := s.page(ids, vars.Limit, full)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"boards": []any{map[string]any{"items_page": page}},
	}})
}

func (s *Server) serveNext(w http.ResponseWriter, vars variables, full bool) {
	ids, ok := s.cursors[vars.Cursor]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]string{{"message": "CursorException: cursor has expired"}}})
		return
	}
	delete(s.cursors, vars.Cursor)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"next_items_page": s.page(ids, vars.Limit, full),
	}})
}

func (s *Server) page(ids []int64, limit int, full bool) map[string]any {
	if limit <= 0 {
		limit = 25
	}
	head := ids
	var cursor any
	if len(ids) > limit {
		head = ids[:limit]
		s.nextCur++
		key := fmt.Sprintf("cursor-%d", s.nextCur)
		s.cursors[key] = ids[limit:]
		cursor = key
	}
	items := make([]map[string]any, 0, len(head))
	for _, id := range head {
		items = append(items, s.render(s.items[id], full))
	}
	return map[string]any{"cursor": cursor, "items": items}
}

func (s *Server) serveItems(w http.ResponseWriter, vars variables) {
	s.batches = append(s.batches, append([]string(nil), vars.IDs...))
	limit := vars.Limit
	if limit <= 0 {
		limit = 25
	}
	items := []map[string]any{}
	for _, raw := range vars.IDs {
		if len(items) >= limit {
			break
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		it, ok := s.items[id]
		if !ok || it.Hidden {
			continue
		}
		rendered := s.render(it, true)
		rendered["board"] = map[string]string{"id": strconv.FormatInt(s.BoardID, 10)}
		items = append(items, rendered)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"items": items}})
}

func (s *Server) render(it *Item, full bool) map[string]any {
	out := map[string]any{
		"id":         strconv.FormatInt(it.ID, 10),
		"name":       it.Name,
		"updated_at": it.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !full {
		return out
	}
	keys := make([]string, 0, len(it.Values))
	for k := range it.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]map[string]any, len(keys))
	for i, k := range keys {
		var text any
		if v := it.Values[k]; v != nil {
			text = *v
		}
		values[i] = map[string]any{"id": k, "text": text}
	}
	out["column_values"] = values
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
