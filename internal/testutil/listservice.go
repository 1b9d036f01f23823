package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/starford/anylist/internal/models"
)

// FakeListService is an in-memory implementation of the list service HTTP
// surface. Mutations that change nothing answer 304, like the real service.
type FakeListService struct {
	mu        sync.Mutex
	order     []string
	lists     map[string][]*models.Item
	nextID    int
	overrides map[string]int
	requests  []Request

	Server *httptest.Server
}

// Request is a recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
	Header http.Header
}

type mutation struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	List    string  `json:"list"`
	Checked *bool   `json:"checked"`
	Notes   *string `json:"notes"`
}

// NewFakeListService starts a fake service with the named, empty lists.
func NewFakeListService(t *testing.T, lists ...string) *FakeListService {
	t.Helper()
	f := &FakeListService{
		lists:     make(map[string][]*models.Item),
		overrides: make(map[string]int),
	}
	for _, l := range lists {
		f.order = append(f.order, l)
		f.lists[l] = nil
	}

	r := chi.NewRouter()
	r.Use(f.record)
	r.Post("/add", f.add)
	r.Post("/remove", f.remove)
	r.Post("/update", f.update)
	r.Post("/check", f.check)
	r.Get("/items", f.items)
	r.Get("/lists", f.listNames)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base address of the fake service.
func (f *FakeListService) URL() string {
	return f.Server.URL
}

// SetStatus forces every request to path to answer with code. Zero clears it.
func (f *FakeListService) SetStatus(path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == 0 {
		delete(f.overrides, path)
		return
	}
	f.overrides[path] = code
}

// Requests returns a copy of the recorded calls.
func (f *FakeListService) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// LastRequest returns the most recent call.
func (f *FakeListService) LastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return Request{}
	}
	return f.requests[len(f.requests)-1]
}

// Seed appends items to a list, creating it if needed.
func (f *FakeListService) Seed(list string, items ...models.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[list]; !ok {
		f.order = append(f.order, list)
	}
	for _, it := range items {
		it := it
		if it.ID == "" {
			it.ID = f.newID()
		}
		it.List = list
		f.lists[list] = append(f.lists[list], &it)
	}
}

func (f *FakeListService) newID() string {
	f.nextID++
	return "item-" + strconv.Itoa(f.nextID)
}

func (f *FakeListService) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Method == http.MethodPost {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}
		f.mu.Lock()
		f.requests = append(f.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
			Header: r.Header.Clone(),
		})
		code := f.overrides[r.URL.Path]
		f.mu.Unlock()

		if code != 0 {
			w.WriteHeader(code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeListService) decode(r *http.Request) mutation {
	var m mutation
	_ = json.NewDecoder(r.Body).Decode(&m)
	return m
}

func (f *FakeListService) find(list, id, name string) (int, bool) {
	for i, it := range f.lists[list] {
		if (id != "" && it.ID == id) || (id == "" && it.Name == name) {
			return i, true
		}
	}
	return -1, false
}

func (f *FakeListService) add(w http.ResponseWriter, r *http.Request) {
	m := f.decode(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[m.List]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if i, ok := f.find(m.List, "", m.Name); ok {
		it := f.lists[m.List][i]
		if !it.Checked {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		it.Checked = false
		w.WriteHeader(http.StatusOK)
		return
	}
	it := &models.Item{ID: f.newID(), Name: m.Name, List: m.List}
	if m.Checked != nil {
		it.Checked = *m.Checked
	}
	if m.Notes != nil {
		it.Notes = *m.Notes
	}
	f.lists[m.List] = append(f.lists[m.List], it)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeListService) remove(w http.ResponseWriter, r *http.Request) {
	m := f.decode(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.find(m.List, m.ID, m.Name)
	if !ok {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	items := f.lists[m.List]
	f.lists[m.List] = append(items[:i], items[i+1:]...)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeListService) update(w http.ResponseWriter, r *http.Request) {
	m := f.decode(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.find(m.List, m.ID, "")
	if m.ID == "" || !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	it := f.lists[m.List][i]
	if m.Name != "" {
		it.Name = m.Name
	}
	if m.Checked != nil {
		it.Checked = *m.Checked
	}
	if m.Notes != nil {
		it.Notes = *m.Notes
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeListService) check(w http.ResponseWriter, r *http.Request) {
	m := f.decode(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.find(m.List, "", m.Name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	checked := m.Checked != nil && *m.Checked
	it := f.lists[m.List][i]
	if it.Checked == checked {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	it.Checked = checked
	w.WriteHeader(http.StatusOK)
}

func (f *FakeListService) items(w http.ResponseWriter, r *http.Request) {
	list := r.URL.Query().Get("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	if list == "" && len(f.order) > 0 {
		list = f.order[0]
	}
	items, ok := f.lists[list]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	out := make([]models.Item, 0, len(items))
	for _, it := range items {
		out = append(out, *it)
	}
	writeJSON(w, map[string]any{"items": out})
}

func (f *FakeListService) listNames(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	names := append([]string(nil), f.order...)
	f.mu.Unlock()
	writeJSON(w, map[string]any{"lists": names})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
