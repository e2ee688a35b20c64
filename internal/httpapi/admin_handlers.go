package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"passage.org/internal/activation"
	"passage.org/internal/audit"
)

var (
	errLimit = errors.New("limit must be between 1 and 1000")
	errPage  = errors.New("page must be a positive integer")
	errSort  = errors.New("sort_by must be expires_at or generated_at")
	errOrder = errors.New("order must be asc or desc")
)

type createEntryRequest struct {
	Identifier     string `json:"identifier"`
	IdentifierKind string `json:"identifier_kind"`
	Role           string `json:"role"`
	SupervisorID   string `json:"supervisor_id"`
	DisplayName    string `json:"display_name"`
}

type issueRequest struct {
	ExpiresInHours float64 `json:"expires_in_hours"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type listResponse[T any] struct {
	Items     []T    `json:"items"`
	RequestID string `json:"request_id,omitempty"`
}

type credentialPage struct {
	Items      []activation.CredentialStatus `json:"items"`
	Page       int                           `json:"page"`
	Limit      int                           `json:"limit"`
	TotalItems int                           `json:"total_items"`
	HasNext    bool                          `json:"has_next"`
	RequestID  string                        `json:"request_id,omitempty"`
}

func (a *API) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createEntryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.svc.CreateEntry(r.Context(), activation.NewEntry{
		Identifier:     req.Identifier,
		IdentifierKind: activation.IdentifierKind(req.IdentifierKind),
		Role:           req.Role,
		SupervisorID:   req.SupervisorID,
		DisplayName:    req.DisplayName,
		Actor:          actor(r),
	})
	if err != nil {
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	issued, err := a.svc.Issue(r.Context(), activation.IssueRequest{
		EntryID: r.PathValue("id"),
		TTL:     time.Duration(req.ExpiresInHours * float64(time.Hour)),
		Actor:   actor(r),
		Origin:  a.origins.Origin(r),
	})
	if err != nil {
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (a *API) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	f := activation.CredentialFilter{
		EntryID: q.Get("whitelist_id"),
		Status:  activation.State(q.Get("status")),
	}
	var err error
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = f.PageLimit()
	page, err := parsePage(q.Get("page"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.Offset = (page - 1) * f.Limit
	var ok bool
	if f.SortBy, ok = activation.ParseSortField(q.Get("sort_by")); !ok {
		writeError(w, r, http.StatusBadRequest, errSort.Error())
		return
	}
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		writeError(w, r, http.StatusBadRequest, errOrder.Error())
		return
	}

	res, err := a.svc.ListCredentials(r.Context(), f)
	if err != nil {
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialPage{
		Items:      res.Items,
		Page:       page,
		Limit:      f.Limit,
		TotalItems: res.Total,
		HasNext:    f.Offset+len(res.Items) < res.Total,
		RequestID:  RequestIDFromContext(r.Context()),
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	c, err := a.svc.Revoke(r.Context(), activation.RevokeRequest{
		CredentialID: r.PathValue("id"),
		Actor:        actor(r),
		Reason:       req.Reason,
		Origin:       a.origins.Origin(r),
	})
	if err != nil {
		writeActivationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		CredentialID: q.Get("credential_id"),
		Origin:       q.Get("origin"),
		Kind:         audit.Kind(q.Get("kind")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown event kind")
		return
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, listResponse[audit.Event]{Items: events, RequestID: RequestIDFromContext(r.Context())})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, errLimit
	}
	return n, nil
}

func parsePage(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1_000_000 {
		return 0, errPage
	}
	return n, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
