package form

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/querycache"
	"github.com/pitabwire/officeflow/model"
)

// Resolved is a form definition together with the record it edits.
type Resolved struct {
	Mode       Mode
	Definition model.FormDefinition
	// Record is nil in create mode.
	Record     *model.Record
	Descriptor Descriptor
}

// detailResponse is the backend shape of a record detail: the record fields
// with the form definition alongside.
type detailResponse struct {
	model.Record
	Form model.FormDefinition `json:"form"`
}

// ListQuery selects one page of the record list of a workflow type.
type ListQuery struct {
	Page     int
	PageSize int
	Search   string
	NodeID   int64
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("size", strconv.Itoa(q.PageSize))
	}
	if q.Search != "" {
		v.Set("q", q.Search)
	}
	if q.NodeID > 0 {
		v.Set("nodeId", strconv.FormatInt(q.NodeID, 10))
	}
	return v
}

// RecordPage is one page of records.
type RecordPage struct {
	Items []model.Record `json:"items"`
	Total int64          `json:"total"`
}

// Renderer resolves form definitions and records from the backend.
type Renderer struct {
	backend   invoker.Doer
	endpoints config.EndpointsConfig
	cache     *querycache.Cache
	logger    *zap.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(backend invoker.Doer, endpoints config.EndpointsConfig, cache *querycache.Cache, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		backend:   backend,
		endpoints: endpoints,
		cache:     cache,
		logger:    logger,
	}
}

// Resolve returns the form of workflow type typeID for record id. An id of
// zero selects create mode: the draft definition is fetched and the record
// is never looked up. Any other id selects update mode and loads the record
// with its definition.
func (r *Renderer) Resolve(ctx context.Context, rctx *model.RequestContext, typeID, id int64) (Resolved, error) {
	if typeID <= 0 {
		return Resolved{}, model.NewBadRequestError("typeId is required")
	}
	if id < 0 {
		return Resolved{}, model.NewBadRequestError("id must not be negative")
	}

	scope := querycache.ScopeOf(rctx)
	key := querycache.Scoped(querycache.FormKey(typeID, id), scope)
	if res, ok := querycache.GetAs[Resolved](r.cache, key); ok {
		return res.clone(), nil
	}

	ctx, span := observability.StartSpan(ctx, "form.resolve",
		observability.AttrTypeID.Int64(typeID),
		observability.AttrRecordID.Int64(id),
	)
	var (
		res Resolved
		err error
	)
	if ModeFor(id) == ModeCreate {
		res, err = r.draft(ctx, rctx, typeID)
	} else {
		res, err = r.detail(ctx, rctx, typeID, id)
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		observability.RequestLogger(ctx, r.logger).Warn("form resolution failed",
			zap.Int64("type_id", typeID),
			zap.Int64("record_id", id),
			zap.Error(err),
		)
		return Resolved{}, err
	}

	r.cache.Set(key, res)
	if res.Record != nil {
		r.cache.Set(querycache.Scoped(querycache.DetailKey(id), scope), *res.Record)
	}
	return res.clone(), nil
}

func (r *Renderer) draft(ctx context.Context, rctx *model.RequestContext, typeID int64) (Resolved, error) {
	res, err := r.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "draft",
		Method:     http.MethodGet,
		Path:       r.endpoints.Draft,
		PathParams: map[string]string{"typeId": strconv.FormatInt(typeID, 10)},
	})
	if err != nil {
		return Resolved{}, err
	}
	var def model.FormDefinition
	if err := res.Decode(&def); err != nil {
		return Resolved{}, fmt.Errorf("form: decode draft: %w", err)
	}
	if def.TypeID == 0 {
		def.TypeID = typeID
	}
	return Resolved{
		Mode:       ModeCreate,
		Definition: def,
		Descriptor: Describe(def, ModeCreate, 0, nil),
	}, nil
}

func (r *Renderer) detail(ctx context.Context, rctx *model.RequestContext, typeID, id int64) (Resolved, error) {
	res, err := r.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "detail",
		Method:     http.MethodGet,
		Path:       r.endpoints.Detail,
		PathParams: map[string]string{"id": strconv.FormatInt(id, 10)},
	})
	if err != nil {
		return Resolved{}, err
	}
	var d detailResponse
	if err := res.Decode(&d); err != nil {
		return Resolved{}, fmt.Errorf("form: decode detail: %w", err)
	}
	if d.ID == 0 {
		return Resolved{}, model.NewNotFoundError(fmt.Sprintf("record %d not found", id))
	}
	if d.TypeID != 0 && d.TypeID != typeID {
		return Resolved{}, model.NewBadRequestError(fmt.Sprintf("record %d does not belong to type %d", id, typeID))
	}
	if d.Form.TypeID == 0 {
		d.Form.TypeID = typeID
	}
	rec := d.Record
	return Resolved{
		Mode:       ModeUpdate,
		Definition: d.Form,
		Record:     &rec,
		Descriptor: Describe(d.Form, ModeUpdate, id, rec.Values),
	}, nil
}

// List returns one page of the records of workflow type typeID.
func (r *Renderer) List(ctx context.Context, rctx *model.RequestContext, typeID int64, q ListQuery) (RecordPage, error) {
	if typeID <= 0 {
		return RecordPage{Items: []model.Record{}}, model.NewBadRequestError("typeId is required")
	}

	query := q.values()
	key := querycache.Scoped(querycache.ListKey(typeID, query.Encode()), querycache.ScopeOf(rctx))
	if page, ok := querycache.GetAs[RecordPage](r.cache, key); ok {
		return page, nil
	}

	res, err := r.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "list",
		Method:     http.MethodGet,
		Path:       r.endpoints.List,
		PathParams: map[string]string{"typeId": strconv.FormatInt(typeID, 10)},
		Query:      query,
	})
	if err != nil {
		return RecordPage{Items: []model.Record{}}, err
	}

	var raw json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return RecordPage{Items: []model.Record{}}, fmt.Errorf("form: decode list: %w", err)
	}
	page, err := decodePage(raw)
	if err != nil {
		return RecordPage{Items: []model.Record{}}, err
	}

	r.cache.Set(key, page)
	return page, nil
}

// decodePage accepts either a bare array of records or a paged object.
func decodePage(raw json.RawMessage) (RecordPage, error) {
	page := RecordPage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &page.Items); err != nil {
			return page, fmt.Errorf("form: decode list: %w", err)
		}
		page.Total = int64(len(page.Items))
	} else if len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return page, fmt.Errorf("form: decode list: %w", err)
		}
	}
	if page.Items == nil {
		page.Items = []model.Record{}
	}
	return page, nil
}

func (res Resolved) clone() Resolved {
	out := res
	if res.Record != nil {
		rec := *res.Record
		rec.Values = copyValues(rec.Values)
		out.Record = &rec
	}
	out.Descriptor.Values = copyValues(res.Descriptor.Values)
	return out
}

// copyValues deep-copies a value map as decoded from JSON.
func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyValues(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
