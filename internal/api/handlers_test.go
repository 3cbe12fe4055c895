package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hilderonny/fm-sub000/internal/config"
	"github.com/hilderonny/fm-sub000/internal/engine"
	"github.com/hilderonny/fm-sub000/internal/files"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
	"github.com/hilderonny/fm-sub000/internal/tenant"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type testServer struct {
	mux    *http.ServeMux
	client string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	backend, err := sqldb.NewBackend(ctx, "sqlite://"+t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t).Sugar()
	reg := sqldb.NewRegistry(backend, "fm", logger)
	t.Cleanup(func() { _ = reg.Close() })

	catalog := schema.NewCatalog(reg, logger)
	store := files.New(t.TempDir(), logger)
	eng := engine.New(reg, catalog, store, logger)
	prov := tenant.NewProvisioner(reg, catalog, eng, store, "changeme", logger)
	require.NoError(t, prov.InitPortal(ctx))
	client, err := prov.Create(ctx, "Acme")
	require.NoError(t, err)

	h := NewHandler(catalog, eng, prov, store, config.Config{RateLimit: 10000}, logger)
	t.Cleanup(h.Stop)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testServer{mux: mux, client: client.Name()}
}

// do sends a request acting on tenant ("" for the portal) and decodes the
// envelope of JSON responses.
func (s *testServer) do(t *testing.T, method, path, tenantName, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if tenantName != "" {
		req.Header.Set(TenantHeader, tenantName)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestGetFieldTypes(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodGet, "/api/fieldtypes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	data := decodeData[struct {
		FieldTypes []map[string]string `json:"fieldtypes"`
	}](t, env)
	assert.Len(t, data.FieldTypes, 7)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestDatatypeEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/datatypes", s.client, `{"name":"rooms","label":"Room","lists":["fm"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)

	rec, env = s.do(t, http.MethodPost, "/api/datatypes", s.client, `{"name":"rooms"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrConflict, env.Error.Code)

	rec, env = s.do(t, http.MethodPost, "/api/datatypes", s.client, `{"name":"bad name"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, ErrValidation, env.Error.Code)
	assert.Equal(t, "name", env.Error.Field)

	rec, _ = s.do(t, http.MethodPost, "/api/datatypes", s.client, `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/api/datatypes/rooms", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Room", decodeData[schema.Datatype](t, env).Label)

	rec, _ = s.do(t, http.MethodGet, "/api/datatypes/rooms", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "requests without tenant act on the portal")

	rec, _ = s.do(t, http.MethodPost, "/api/datatypes/rooms/fields", s.client, `{"name":"size","fieldtype":"decimal"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, env = s.do(t, http.MethodPost, "/api/datatypes/rooms/fields", s.client, `{"name":"x","fieldtype":"blob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "fieldtype", env.Error.Field)

	rec, env = s.do(t, http.MethodGet, "/api/datatypes/rooms/fields", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	fields := decodeData[[]schema.Field](t, env)
	require.Len(t, fields, 1)
	assert.Equal(t, "size", fields[0].Name)

	rec, _ = s.do(t, http.MethodDelete, "/api/datatypes/rooms/fields/size", s.client, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/api/datatypes/rooms/fields/size", s.client, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDynamicObjectEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, _ = s.do(t, http.MethodPost, "/api/datatypes", s.client, `{"name":"rooms"}`)
	_, _ = s.do(t, http.MethodPost, "/api/datatypes/rooms/fields", s.client, `{"name":"label","fieldtype":"text","isrequired":true}`)
	_, _ = s.do(t, http.MethodPost, "/api/datatypes/rooms/fields", s.client, `{"name":"size","fieldtype":"decimal"}`)

	rec, env := s.do(t, http.MethodPost, "/api/dynamic/rooms", s.client, `{"label":"Office","size":2.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeData[map[string]any](t, env)
	name := created["name"].(string)
	assert.Equal(t, 2.5, created["size"])

	rec, env = s.do(t, http.MethodPost, "/api/dynamic/rooms", s.client, `{"size":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "label", env.Error.Field)

	rec, env = s.do(t, http.MethodPut, "/api/dynamic/rooms/"+name, s.client, `{"size":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3.0, decodeData[map[string]any](t, env)["size"])

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/rooms?size=3", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]map[string]any](t, env), 1)

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/rooms?size=4", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[[]map[string]any](t, env))

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/rooms?ids="+name+",missing,"+name, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]map[string]any](t, env), 1)

	rec, _ = s.do(t, http.MethodGet, "/api/dynamic/rooms?nope=1", s.client, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, "/api/dynamic/rooms/"+name, s.client, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, env = s.do(t, http.MethodGet, "/api/dynamic/rooms/"+name, s.client, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrNotFound, env.Error.Code)
}

func TestInsertWithParentEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodPost, "/api/dynamic/fmobjects", s.client, `{"label":"Site","areausable":100}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	site := decodeData[map[string]any](t, env)["name"].(string)

	rec, env = s.do(t, http.MethodPost, "/api/dynamic/fmobjects", s.client, `{"name":"O1","parentId":"999999999999999999999999"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, engine.ParentIDKey, env.Error.Field)

	rec, env = s.do(t, http.MethodPost, "/api/dynamic/fmobjects", s.client, `{"label":"Hall","areausable":20,"parentId":"`+site+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hall := decodeData[map[string]any](t, env)["name"].(string)

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/fmobjects/"+hall, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, site, decodeData[map[string]any](t, env)[engine.ParentIDKey])

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/fmobjects/"+site, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 120.0, decodeData[map[string]any](t, env)["areatotal"])
}

func TestCreateFormulaFieldEndpointBackfills(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodPost, "/api/dynamic/fmobjects", s.client, `{"label":"Site","areausable":30}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	site := decodeData[map[string]any](t, env)["name"].(string)

	rec, env = s.do(t, http.MethodPost, "/api/datatypes/fmobjects/fields", s.client,
		`{"name":"halfarea","fieldtype":"formula","formula":"areausable / 2","ordinal":99}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	field := decodeData[schema.Field](t, env)
	assert.Equal(t, "fmobjects", field.DatatypeName)
	assert.Less(t, field.Ordinal, 99, "ordinals are assigned by the catalog")

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/fmobjects/"+site, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15.0, decodeData[map[string]any](t, env)["halfarea"])
}

func TestRelationsAndHierarchyEndpoints(t *testing.T) {
	s := newTestServer(t)
	newEntity := func(dt, body string) string {
		rec, env := s.do(t, http.MethodPost, "/api/dynamic/"+dt, s.client, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decodeData[map[string]any](t, env)["name"].(string)
	}
	folder := newEntity(tenant.FoldersDatatype, `{"label":"Plans"}`)
	sub := newEntity(tenant.FoldersDatatype, `{"label":"Floors"}`)
	doc := newEntity(files.DocumentsDatatype, `{"label":"Ground floor"}`)

	link := func(parentType, parent, childType, child string) string {
		body := `{"datatype1name":"` + parentType + `","name1":"` + parent + `","datatype2name":"` + childType +
			`","name2":"` + child + `","relationtypename":"parentchild"}`
		rec, env := s.do(t, http.MethodPost, "/api/relations", s.client, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decodeData[engine.Relation](t, env).Name
	}
	link(tenant.FoldersDatatype, folder, tenant.FoldersDatatype, sub)
	rel := link(tenant.FoldersDatatype, sub, files.DocumentsDatatype, doc)

	rec, _ := s.do(t, http.MethodPost, "/api/relations", s.client,
		`{"datatype1name":"folders","name1":"ghost","datatype2name":"folders","name2":"`+folder+`","relationtypename":"parentchild"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := s.do(t, http.MethodGet, "/api/relations/folders/"+sub, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decodeData[[]engine.Relation](t, env) {
		assert.Equal(t, sub, r.Name1, "relations are oriented from the entity")
	}

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/rootelements/"+tenant.ListDocuments, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	roots := decodeData[[]engine.Element](t, env)
	require.Len(t, roots, 1)
	assert.Equal(t, folder, roots[0].Name)
	assert.True(t, roots[0].HasChildren)

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/children/documents/folders/"+sub, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	children := decodeData[[]engine.Element](t, env)
	require.Len(t, children, 1)
	assert.Equal(t, "Ground floor", children[0].Label)

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/parentpath/documents/documents/"+doc, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	path := decodeData[[]engine.Ref](t, env)
	require.Len(t, path, 2)
	assert.Equal(t, folder, path[0].Name)

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/hierarchytoelement/documents/documents/"+doc, s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	root := decodeData[engine.Element](t, env)
	require.Len(t, root.Children, 1)
	require.Len(t, root.Children[0].Children, 1)
	assert.Equal(t, doc, root.Children[0].Children[0].Name)

	rec, _ = s.do(t, http.MethodDelete, "/api/relations/"+rel, s.client, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/api/relations/"+rel, s.client, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteFolderDeletesSubtree(t *testing.T) {
	s := newTestServer(t)
	newEntity := func(dt string) string {
		_, env := s.do(t, http.MethodPost, "/api/dynamic/"+dt, s.client, `{"label":"x"}`)
		return decodeData[map[string]any](t, env)["name"].(string)
	}
	folder := newEntity(tenant.FoldersDatatype)
	sub := newEntity(tenant.FoldersDatatype)
	doc := newEntity(files.DocumentsDatatype)
	object := newEntity(tenant.FMObjectsDatatype)
	for _, r := range [][2]string{{"folders/" + folder, "folders/" + sub}, {"folders/" + sub, "documents/" + doc}, {"folders/" + folder, "fmobjects/" + object}} {
		p, c := strings.SplitN(r[0], "/", 2), strings.SplitN(r[1], "/", 2)
		body := `{"datatype1name":"` + p[0] + `","name1":"` + p[1] + `","datatype2name":"` + c[0] + `","name2":"` + c[1] + `","relationtypename":"parentchild"}`
		rec, _ := s.do(t, http.MethodPost, "/api/relations", s.client, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec, _ := s.do(t, http.MethodDelete, "/api/dynamic/folders/"+folder, s.client, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	for _, p := range []string{"folders/" + folder, "folders/" + sub, "documents/" + doc} {
		rec, _ := s.do(t, http.MethodGet, "/api/dynamic/"+p, s.client, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
	}
	rec, _ = s.do(t, http.MethodGet, "/api/dynamic/fmobjects/"+object, s.client, "")
	assert.Equal(t, http.StatusOK, rec.Code, "only folders and documents are part of the subtree")
}

func TestDocumentContent(t *testing.T) {
	s := newTestServer(t)
	_, env := s.do(t, http.MethodPost, "/api/dynamic/documents", s.client, `{"label":"Plan"}`)
	doc := decodeData[map[string]any](t, env)["name"].(string)

	rec, _ := s.do(t, http.MethodGet, "/api/documents/"+doc+"/content", s.client, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no content yet")

	rec, env = s.do(t, http.MethodPut, "/api/documents/"+doc+"/content", s.client, "hello")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(5), decodeData[documentContentData](t, env).Bytes)

	rec, _ = s.do(t, http.MethodGet, "/api/documents/"+doc+"/content", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec, _ = s.do(t, http.MethodPut, "/api/documents/missing/content", s.client, "x")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, "/api/dynamic/documents/"+doc, s.client, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/documents/"+doc+"/content", s.client, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodPost, "/api/import/"+tenant.FMObjectsDatatype, s.client,
		`[{"name":"b1","label":"Building","areausable":100,"areatotal":5}, 42, {"label":"no name"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, engine.ImportResult{Inserted: 1, Skipped: 2}, decodeData[engine.ImportResult](t, env))

	rec, env = s.do(t, http.MethodGet, "/api/dynamic/fmobjects/b1", s.client, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100.0, decodeData[map[string]any](t, env)["areatotal"])
}

func TestClientEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/api/login", "", `{"username":"`+s.client+`_admin","password":"changeme"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, s.client, decodeData[loginData](t, env).ClientName)

	rec, _ = s.do(t, http.MethodPost, "/api/login", "", `{"username":"`+s.client+`_admin","password":"guess"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = s.do(t, http.MethodPost, "/api/clients", "", `{"label":"Other"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	other := decodeData[map[string]any](t, env)["name"].(string)

	rec, _ = s.do(t, http.MethodPost, "/api/clients", "", `{"label":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/datatypes/users", other, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, "/api/dynamic/clients/"+other, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/api/dynamic/clients/"+other, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/datatypes/users", other, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/api/fieldtypes", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/api/fieldtypes", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, zaptest.NewLogger(t).Sugar())
	defer rl.Stop()
	rl.Stop()

	start := time.Now()
	assert.True(t, rl.allowAt("a", start))
	assert.True(t, rl.allowAt("a", start.Add(time.Second)))
	assert.False(t, rl.allowAt("a", start.Add(2*time.Second)))
	assert.True(t, rl.allowAt("b", start.Add(2*time.Second)), "callers are counted separately")
	assert.True(t, rl.allowAt("a", start.Add(61*time.Second)), "old requests leave the window")
}

func TestRateLimiterEvictsOldest(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, zaptest.NewLogger(t).Sugar())
	defer rl.Stop()
	rl.maxEntries = 2

	start := time.Now()
	require.True(t, rl.allowAt("a", start))
	require.True(t, rl.allowAt("b", start.Add(time.Second)))
	require.True(t, rl.allowAt("c", start.Add(2*time.Second)))
	assert.Len(t, rl.requests, 2)
	assert.NotContains(t, rl.requests, "a")
}

func TestRateLimiterWrap(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, zaptest.NewLogger(t).Sugar())
	defer rl.Stop()
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(tenantName string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/fieldtypes", nil)
		req.Header.Set(TenantHeader, tenantName)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusOK, send("c1").Code)
	rec := send("c1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), ErrRateLimit)
	assert.Equal(t, http.StatusOK, send("c2").Code)
}

func TestBodySizeLimit(t *testing.T) {
	handler := LimitBodySize(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		status, _ := classify(err)
		w.WriteHeader(status)
	}), 4)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too large"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
