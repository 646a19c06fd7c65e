package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/eventlog"
)

type fakeService struct {
	items   map[uuid.UUID]*Item
	removed []uuid.UUID
}

func newFakeService() *fakeService {
	return &fakeService{items: map[uuid.UUID]*Item{}}
}

func (f *fakeService) AddItem(_ context.Context, in NewItem) (*Item, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}
	for _, it := range f.items {
		if it.SerialNo == in.SerialNo {
			return nil, apperr.DuplicateKey("fake", "serial %q taken", in.SerialNo)
		}
	}
	item := &Item{ID: uuid.New(), SerialNo: in.SerialNo, Title: in.Title, Creator: in.Creator, CategoryCode: in.CategoryCode, Kind: in.Kind, Availability: Available, Version: 1}
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeService) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, apperr.NotFound("fake", "item %s", id)
	}
	return item, nil
}

func (f *fakeService) GetItemForUpdate(ctx context.Context, id uuid.UUID) (*Item, error) {
	return f.GetItem(ctx, id)
}

func (f *fakeService) UpdateItem(ctx context.Context, id uuid.UUID, patch ItemPatch) (*Item, error) {
	item, err := f.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := patch.apply(*item)
	if err != nil {
		return nil, err
	}
	f.items[id] = &updated
	return &updated, nil
}

func (f *fakeService) SetAvailability(ctx context.Context, id uuid.UUID, to Availability) error {
	item, err := f.GetItem(ctx, id)
	if err != nil {
		return err
	}
	item.Availability = to
	return nil
}

func (f *fakeService) ListItems(context.Context, ListFilter) ([]*Item, error) {
	out := make([]*Item, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeService) RemoveItem(ctx context.Context, id uuid.UUID) error {
	if _, err := f.GetItem(ctx, id); err != nil {
		return err
	}
	delete(f.items, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeService) History(context.Context, uuid.UUID) ([]eventlog.Event, error) {
	return []eventlog.Event{{EventType: "ItemAdded", Version: 1}}, nil
}

func newTestRouter(svc *fakeService, allowWrites bool) http.Handler {
	logger, _ := test.NewNullLogger()
	gate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowWrites {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	r := chi.NewRouter()
	NewHandler(svc, svc, logger).Routes(r, gate)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAddItem(t *testing.T) {
	svc := newFakeService()
	h := newTestRouter(svc, true)

	rec := do(h, http.MethodPost, "/items", `{"serial_no":"B-1","title":"Dune","creator":"Frank Herbert","category_code":"SF"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"availability":"AVAILABLE"`)

	rec = do(h, http.MethodPost, "/items", `{"serial_no":"B-1","title":"Other","creator":"X","category_code":"SF"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"duplicate_key"`)

	rec = do(h, http.MethodPost, "/items", `{"title":"No serial"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(h, http.MethodPost, "/items", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerWritesAreGated(t *testing.T) {
	svc := newFakeService()
	h := newTestRouter(svc, false)

	rec := do(h, http.MethodPost, "/items", `{"serial_no":"B-1","title":"Dune","creator":"FH","category_code":"SF"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.items)

	rec = do(h, http.MethodGet, "/items", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerUpdateAndRemove(t *testing.T) {
	svc := newFakeService()
	h := newTestRouter(svc, true)
	item, err := svc.AddItem(context.Background(), NewItem{SerialNo: "B-1", Title: "Dune", Creator: "FH", CategoryCode: "SF"})
	require.NoError(t, err)

	rec := do(h, http.MethodPatch, "/items/"+item.ID.String(), `{"availability":"ISSUED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_state"`)

	rec = do(h, http.MethodPatch, "/items/"+item.ID.String(), `{"title":"Dune Messiah"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Dune Messiah"`)

	rec = do(h, http.MethodGet, "/items/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodDelete, "/items/"+item.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{item.ID}, svc.removed)

	rec = do(h, http.MethodGet, "/items/"+item.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
