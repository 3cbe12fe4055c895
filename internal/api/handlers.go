package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/config"
	"github.com/hilderonny/fm-sub000/internal/engine"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/files"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
	"github.com/hilderonny/fm-sub000/internal/tenant"
)

// TenantHeader names the client a request acts on. The permission layer in
// front of this API sets it; requests without it act on the portal.
const TenantHeader = "X-Client-Name"

const (
	maxJSONBytes     = 1 << 20
	maxDocumentBytes = 64 << 20
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	catalog     *schema.Catalog
	engine      *engine.Engine
	provisioner *tenant.Provisioner
	files       *files.Store
	rateLimiter *RateLimiter
	logger      *zap.SugaredLogger
}

// NewHandler creates a new API handler.
func NewHandler(catalog *schema.Catalog, eng *engine.Engine, prov *tenant.Provisioner, store *files.Store, cfg config.Config, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		catalog:     catalog,
		engine:      eng,
		provisioner: prov,
		files:       store,
		rateLimiter: NewRateLimiter(cfg.RateLimit, time.Minute, logger),
		logger:      logger,
	}
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/fieldtypes", h.handleGetFieldTypes)

	apiMux.HandleFunc("GET /api/datatypes", h.handleGetDatatypes)
	apiMux.HandleFunc("POST /api/datatypes", h.handleCreateDatatype)
	apiMux.HandleFunc("GET /api/datatypes/{datatypename}", h.handleGetDatatype)
	apiMux.HandleFunc("GET /api/datatypes/{datatypename}/fields", h.handleGetDatatypeFields)
	apiMux.HandleFunc("POST /api/datatypes/{datatypename}/fields", h.handleCreateDatatypeField)
	apiMux.HandleFunc("DELETE /api/datatypes/{datatypename}/fields/{fieldname}", h.handleDeleteDatatypeField)

	apiMux.HandleFunc("GET /api/dynamic/{recordtypename}", h.handleGetMany)
	apiMux.HandleFunc("POST /api/dynamic/{recordtypename}", h.handleInsert)
	apiMux.HandleFunc("GET /api/dynamic/{recordtypename}/{entityname}", h.handleGet)
	apiMux.HandleFunc("PUT /api/dynamic/{recordtypename}/{entityname}", h.handleUpdate)
	apiMux.HandleFunc("DELETE /api/dynamic/{recordtypename}/{entityname}", h.handleDelete)
	apiMux.HandleFunc("GET /api/dynamic/children/{forlist}/{recordtypename}/{entityname}", h.handleChildren)
	apiMux.HandleFunc("GET /api/dynamic/hierarchytoelement/{forlist}/{recordtypename}/{entityname}", h.handleHierarchyToElement)
	apiMux.HandleFunc("GET /api/dynamic/parentpath/{forlist}/{recordtypename}/{entityname}", h.handleParentPath)
	apiMux.HandleFunc("GET /api/dynamic/rootelements/{forlist}", h.handleRootElements)
	apiMux.HandleFunc("POST /api/import/{recordtypename}", h.handleImport)

	apiMux.HandleFunc("POST /api/relations", h.handleCreateRelation)
	apiMux.HandleFunc("DELETE /api/relations/{id}", h.handleDeleteRelation)
	apiMux.HandleFunc("GET /api/relations/{entityType}/{id}", h.handleGetRelations)

	apiMux.HandleFunc("POST /api/clients", h.handleCreateClient)
	apiMux.HandleFunc("DELETE /api/dynamic/clients/{id}", h.handleDropClient)
	apiMux.HandleFunc("POST /api/login", h.handleLogin)

	contentMux := http.NewServeMux()
	contentMux.HandleFunc("GET /api/documents/{name}/content", h.handleGetDocumentContent)
	contentMux.HandleFunc("PUT /api/documents/{name}/content", h.handlePutDocumentContent)

	// Middleware chain: request id -> access log -> rate limiting -> body limit
	mux.Handle("/api/documents/", h.wrap(LimitBodySize(contentMux, maxDocumentBytes)))
	mux.Handle("/api/", h.wrap(LimitBodySize(apiMux, maxJSONBytes)))
}

func (h *Handler) wrap(next http.Handler) http.Handler {
	return RequestID(AccessLog(h.logger, h.rateLimiter.Wrap(next)))
}

// Stop stops background goroutines. Should be called on graceful shutdown.
func (h *Handler) Stop() {
	h.rateLimiter.Stop()
}

// API Response types for consistent format
type apiResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error codes for API responses
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrValidation     = "VALIDATION_ERROR"
	ErrNotFound       = "NOT_FOUND"
	ErrConflict       = "CONFLICT"
	ErrInternal       = "INTERNAL_ERROR"
	ErrRateLimit      = "RATE_LIMIT"
)

// respondJSON sends a successful JSON response with type-safe data
func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	resp := apiResponse[any]{Success: true, Data: data}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warnw("failed to encode response", "error", err)
	}
}

func respondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the response type for errors (no data field)
type errorResponse struct {
	Success bool      `json:"success"`
	Error   *apiError `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, e *apiError) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(errorResponse{Success: false, Error: e})
}

// respondError maps err to its status code. Validation and conflict
// messages reach the client; everything else is logged server-side and
// answered with a generic message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorw("request failed", "request_id", RequestIDFrom(r.Context()),
			"method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debugw("request rejected", "request_id", RequestIDFrom(r.Context()),
			"status", status, "error", err)
	}
	if werr := writeError(w, status, body); werr != nil {
		h.logger.Warnw("failed to encode error response", "error", werr)
	}
}

func classify(err error) (int, *apiError) {
	var ve *apperr.ValidationError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, &apiError{Code: ErrValidation, Message: ve.Reason, Field: ve.Field}
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, &apiError{Code: ErrValidation, Message: err.Error()}
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, &apiError{Code: ErrInvalidRequest, Message: "Request body too large"}
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, &apiError{Code: ErrNotFound, Message: "Not found"}
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, &apiError{Code: ErrConflict, Message: err.Error()}
	}
	return http.StatusInternalServerError, &apiError{Code: ErrInternal, Message: "Internal server error"}
}

// decodeJSONBody decodes JSON request body into the provided value. Numbers
// are kept as json.Number so decimals round-trip exactly.
// Returns false if decoding fails (error response already sent).
func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.respondError(w, r, err)
			return false
		}
		h.respondError(w, r, apperr.Validation("", "invalid request body"))
		return false
	}
	return true
}

// tenantOf returns the tenant named by the request header, the portal when
// absent.
func tenantOf(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return t
	}
	return sqldb.PortalTenant
}

type fieldTypesData struct {
	FieldTypes []fieldtype.TypeInfo `json:"fieldtypes"`
}

func (h *Handler) handleGetFieldTypes(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, fieldTypesData{FieldTypes: fieldtype.AllowedTypes})
}

func (h *Handler) handleGetDatatypes(w http.ResponseWriter, r *http.Request) {
	dts, err := h.catalog.GetDatatypes(r.Context(), tenantOf(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, dts)
}

func (h *Handler) handleCreateDatatype(w http.ResponseWriter, r *http.Request) {
	var dt schema.Datatype
	if !h.decodeJSONBody(w, r, &dt) {
		return
	}
	dt.IsPredefined = false
	if dt.Lists == nil {
		dt.Lists = []string{}
	}
	if err := h.catalog.CreateDatatype(r.Context(), tenantOf(r), dt); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, dt)
}

func (h *Handler) handleGetDatatype(w http.ResponseWriter, r *http.Request) {
	dt, err := h.catalog.GetDatatype(r.Context(), tenantOf(r), r.PathValue("datatypename"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, dt)
}

func (h *Handler) handleGetDatatypeFields(w http.ResponseWriter, r *http.Request) {
	ctx, t, name := r.Context(), tenantOf(r), r.PathValue("datatypename")
	if _, err := h.catalog.GetDatatype(ctx, t, name); err != nil {
		h.respondError(w, r, err)
		return
	}
	fields, err := h.catalog.GetDatatypeFields(ctx, t, name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, fields)
}

func (h *Handler) handleCreateDatatypeField(w http.ResponseWriter, r *http.Request) {
	var f schema.Field
	if !h.decodeJSONBody(w, r, &f) {
		return
	}
	ctx, t := r.Context(), tenantOf(r)
	f.DatatypeName = r.PathValue("datatypename")
	f.IsPredefined = false
	if err := h.engine.CreateDatatypeField(ctx, t, f); err != nil {
		h.respondError(w, r, err)
		return
	}
	def, err := h.catalog.Definition(ctx, t, f.DatatypeName)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	created, _, _ := def.Field(f.Name)
	h.respondJSON(w, created)
}

func (h *Handler) handleDeleteDatatypeField(w http.ResponseWriter, r *http.Request) {
	err := h.catalog.DeleteDatatypeField(r.Context(), tenantOf(r), r.PathValue("datatypename"), r.PathValue("fieldname"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondNoContent(w)
}

// handleGetMany serves the batch form (?ids=a,b,c) and the filtered list
// (every other query parameter is an equality filter).
func (h *Handler) handleGetMany(w http.ResponseWriter, r *http.Request) {
	ctx, t, dt := r.Context(), tenantOf(r), r.PathValue("recordtypename")
	query := r.URL.Query()
	if ids, ok := query["ids"]; ok {
		var names []string
		for _, v := range ids {
			names = append(names, strings.Split(v, ",")...)
		}
		objs, err := h.engine.GetByNames(ctx, t, dt, names)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		h.respondJSON(w, objs)
		return
	}

	filter := engine.Filter{}
	for key, values := range query {
		filter[key] = values[0]
	}
	objs, err := h.engine.GetMany(ctx, t, dt, filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, objs)
}

func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	var obj engine.Object
	if !h.decodeJSONBody(w, r, &obj) {
		return
	}
	created, err := h.engine.Insert(r.Context(), tenantOf(r), r.PathValue("recordtypename"), obj)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, created)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	obj, err := h.engine.Get(r.Context(), tenantOf(r), r.PathValue("recordtypename"), r.PathValue("entityname"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, obj)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch engine.Object
	if !h.decodeJSONBody(w, r, &patch) {
		return
	}
	obj, err := h.engine.Update(r.Context(), tenantOf(r), r.PathValue("recordtypename"), r.PathValue("entityname"), patch)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, obj)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, t := r.Context(), tenantOf(r)
	dt, name := r.PathValue("recordtypename"), r.PathValue("entityname")

	var err error
	if dt == tenant.FoldersDatatype {
		err = h.deleteSubtree(r, t, engine.Ref{Datatype: dt, Name: name})
	} else {
		err = h.engine.Delete(ctx, t, dt, name)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondNoContent(w)
}

// deleteSubtree deletes a folder after every folder and document below it,
// deepest first.
func (h *Handler) deleteSubtree(r *http.Request, t string, root engine.Ref) error {
	ctx := r.Context()
	if _, err := h.engine.Get(ctx, t, root.Datatype, root.Name); err != nil {
		return err
	}
	seen := map[engine.Ref]bool{root: true}
	order := []engine.Ref{root}
	for i := 0; i < len(order); i++ {
		children, err := h.engine.ChildRefs(ctx, t, order[i].Datatype, order[i].Name)
		if err != nil {
			return err
		}
		for _, c := range children {
			if seen[c] || (c.Datatype != tenant.FoldersDatatype && c.Datatype != files.DocumentsDatatype) {
				continue
			}
			seen[c] = true
			order = append(order, c)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		err := h.engine.Delete(ctx, t, order[i].Datatype, order[i].Name)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	els, err := h.engine.Children(r.Context(), tenantOf(r), r.PathValue("forlist"), r.PathValue("recordtypename"), r.PathValue("entityname"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, els)
}

func (h *Handler) handleHierarchyToElement(w http.ResponseWriter, r *http.Request) {
	el, err := h.engine.HierarchyToElement(r.Context(), tenantOf(r), r.PathValue("forlist"), r.PathValue("recordtypename"), r.PathValue("entityname"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, el)
}

func (h *Handler) handleParentPath(w http.ResponseWriter, r *http.Request) {
	path, err := h.engine.ParentPath(r.Context(), tenantOf(r), r.PathValue("forlist"), r.PathValue("recordtypename"), r.PathValue("entityname"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, path)
}

func (h *Handler) handleRootElements(w http.ResponseWriter, r *http.Request) {
	els, err := h.engine.RootElements(r.Context(), tenantOf(r), r.PathValue("forlist"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, els)
}

// handleImport accepts a JSON array of content rows. Entries that are not
// JSON objects are skipped like rows failing validation.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var entries []json.RawMessage
	if !h.decodeJSONBody(w, r, &entries) {
		return
	}
	rows := make([]engine.Object, 0, len(entries))
	malformed := 0
	for _, raw := range entries {
		var row engine.Object
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil || row == nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	res, err := h.engine.Import(r.Context(), tenantOf(r), r.PathValue("recordtypename"), rows)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res.Skipped += malformed
	h.respondJSON(w, res)
}

func (h *Handler) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	var rel engine.Relation
	if !h.decodeJSONBody(w, r, &rel) {
		return
	}
	created, err := h.engine.CreateRelation(r.Context(), tenantOf(r), rel)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, created)
}

func (h *Handler) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteRelation(r.Context(), tenantOf(r), r.PathValue("id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondNoContent(w)
}

func (h *Handler) handleGetRelations(w http.ResponseWriter, r *http.Request) {
	ctx, t := r.Context(), tenantOf(r)
	dt, name := r.PathValue("entityType"), r.PathValue("id")
	if _, err := h.engine.Get(ctx, t, dt, name); err != nil {
		h.respondError(w, r, err)
		return
	}
	rels, err := h.engine.GetRelationsForEntity(ctx, t, dt, name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, rels)
}

type createClientRequest struct {
	Label string `json:"label"`
}

func (h *Handler) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	client, err := h.provisioner.Create(r.Context(), req.Label)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, client)
}

func (h *Handler) handleDropClient(w http.ResponseWriter, r *http.Request) {
	if err := h.provisioner.Drop(r.Context(), r.PathValue("id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondNoContent(w)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginData struct {
	ClientName string `json:"clientname"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	client, err := h.provisioner.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, loginData{ClientName: client})
}

func (h *Handler) handleGetDocumentContent(w http.ResponseWriter, r *http.Request) {
	t, name := tenantOf(r), r.PathValue("name")
	if _, err := h.engine.Get(r.Context(), t, files.DocumentsDatatype, name); err != nil {
		h.respondError(w, r, err)
		return
	}
	f, err := h.files.Open(t, name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warnw("failed to send document", "tenant", t, "name", name, "error", err)
	}
}

type documentContentData struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

func (h *Handler) handlePutDocumentContent(w http.ResponseWriter, r *http.Request) {
	t, name := tenantOf(r), r.PathValue("name")
	if _, err := h.engine.Get(r.Context(), t, files.DocumentsDatatype, name); err != nil {
		h.respondError(w, r, err)
		return
	}
	n, err := h.files.Save(t, name, r.Body)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, documentContentData{Name: name, Bytes: n})
}
