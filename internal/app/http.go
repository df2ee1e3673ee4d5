package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"glowdesk/api/internal/auth"
	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/scope"
	"glowdesk/api/internal/store"
	"glowdesk/api/internal/tstamp"
	"glowdesk/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"backends": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["backends"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		p, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        p.UID,
			"userName":      p.Name,
			"role":          string(p.Role),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if p, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				_ = s.service.Logout(r.Context(), p.UID)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Role pushes from the identity provider, sync-token protected.
	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/session/role" {
		syncToken := strings.TrimSpace(r.Header.Get("x-glowdesk-sync-token"))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			UID  string `json:"uid"`
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uid is required", nil)
			return
		}
		if err := s.service.UpdateRole(r.Context(), body.UID, scope.Normalize(body.Role)); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below requires a session.
	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	st := s.service.StoreFor(p)
	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && r.URL.Path == "/api/clients" {
		clients := st.FetchClients(r.Context(), p)
		if msg := st.Err(); msg != "" {
			writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", msg, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": clientPayloads(clients)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/clients" {
		var body clientInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
			return
		}
		id, err := st.AddClient(r.Context(), p, body.toClient())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "clients" && parts[2] == "flat" {
		clients := st.FetchClientsByFlat(r.Context(), p, parts[3])
		if msg := st.Err(); msg != "" {
			writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", msg, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": clientPayloads(clients)})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "clients" {
		clientID := parts[2]
		switch r.Method {
		case http.MethodPatch:
			var patch map[string]any
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := st.UpdateClient(r.Context(), p, clientID, patch); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := st.DeleteClient(r.Context(), p, clientID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "clients" && parts[3] == "transactions" {
		transactions := st.FetchClientTransactions(r.Context(), p, parts[2])
		if msg := st.Err(); msg != "" {
			writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", msg, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": transactionPayloads(transactions)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/transactions" {
		transactions := st.FetchAllTransactions(r.Context(), p)
		if msg := st.Err(); msg != "" {
			writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", msg, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": transactionPayloads(transactions)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/transactions" {
		var body transactionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ClientID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId is required", nil)
			return
		}
		id, err := st.AddTransaction(r.Context(), p, body.toTransaction())
		if err != nil {
			status, code, message, details := mapError(err)
			if id != "" {
				// The personal write landed; report the id with the error
				// so the caller does not retry a full create.
				writeJSON(w, status, map[string]any{"id": id, "code": code, "error": message})
				return
			}
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "transactions" {
		txID := parts[2]
		switch r.Method {
		case http.MethodPatch:
			var patch map[string]any
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := st.UpdateTransaction(r.Context(), p, txID, patch); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := st.DeleteTransaction(r.Context(), p, txID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/clients" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp := s.service.SearchClients(p, query.Get("q"), limit, offset)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/maintenance/migrate-dates" {
		changed, err := st.MigrateDateFields(r.Context(), p)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/maintenance/reconcile-mirrors" {
		report, err := st.ReconcileSharedMirrors(r.Context(), p)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/export" {
		object, err := s.service.Export(r.Context(), p)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": object})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (scope.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return scope.Principal{}, false
	}
	p, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return scope.Principal{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return scope.Principal{}, false
	}
	return p, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.ShortID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, store.ErrPermissionDenied) {
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// clientInput is the JSON body for client creation. Dates come in as
// strings and tolerate both structured and legacy values.
type clientInput struct {
	Name             string                 `json:"name"`
	Email            string                 `json:"email"`
	Phone            string                 `json:"phone"`
	Apartment        string                 `json:"apartment"`
	FlatNumber       string                 `json:"flatNumber"`
	TrustScore       int                    `json:"trustScore"`
	Notes            string                 `json:"notes"`
	Tags             []string               `json:"tags"`
	Status           string                 `json:"status"`
	PreferredContact string                 `json:"preferredContact"`
	BirthDate        any                    `json:"birthDate"`
	Anniversary      any                    `json:"anniversary"`
	Emergency        *emergencyContactInput `json:"emergencyContact"`
}

type emergencyContactInput struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
}

func (in clientInput) toClient() store.Client {
	c := store.Client{
		Name:             in.Name,
		Email:            in.Email,
		Phone:            in.Phone,
		Apartment:        in.Apartment,
		FlatNumber:       in.FlatNumber,
		TrustScore:       in.TrustScore,
		Notes:            in.Notes,
		Tags:             in.Tags,
		Status:           in.Status,
		PreferredContact: in.PreferredContact,
		BirthDate:        tstamp.ToTimeOpt(in.BirthDate),
		Anniversary:      tstamp.ToTimeOpt(in.Anniversary),
	}
	if in.Emergency != nil {
		c.Emergency = &store.EmergencyContact{
			Name:         in.Emergency.Name,
			Phone:        in.Emergency.Phone,
			Relationship: in.Emergency.Relationship,
		}
	}
	return c
}

type transactionInput struct {
	ClientID         string  `json:"clientId"`
	Service          string  `json:"service"`
	Amount           float64 `json:"amount"`
	Paid             bool    `json:"paid"`
	PaymentDate      any     `json:"paymentDate"`
	DueDate          any     `json:"dueDate"`
	PaymentReference string  `json:"paymentReference"`
}

func (in transactionInput) toTransaction() store.Transaction {
	return store.Transaction{
		ClientID:         in.ClientID,
		Service:          in.Service,
		Amount:           in.Amount,
		Paid:             in.Paid,
		PaymentDate:      tstamp.ToTimeOpt(in.PaymentDate),
		DueDate:          tstamp.ToTimeOpt(in.DueDate),
		PaymentReference: in.PaymentReference,
	}
}

func clientPayloads(clients []store.Client) []map[string]any {
	out := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientPayload(c))
	}
	return out
}

func clientPayload(c store.Client) map[string]any {
	payload := map[string]any{
		"id":               c.ID,
		"name":             c.Name,
		"email":            c.Email,
		"phone":            c.Phone,
		"apartment":        c.Apartment,
		"flatNumber":       c.FlatNumber,
		"trustScore":       c.TrustScore,
		"notes":            c.Notes,
		"tags":             c.Tags,
		"status":           c.Status,
		"preferredContact": c.PreferredContact,
		"birthDate":        timePayload(c.BirthDate),
		"anniversary":      timePayload(c.Anniversary),
		"createdAt":        c.CreatedAt.Format(time.RFC3339),
		"updatedAt":        c.UpdatedAt.Format(time.RFC3339),
		"shared":           c.Shared,
	}
	if c.CreatedBy != "" {
		payload["createdBy"] = c.CreatedBy
	}
	if c.Emergency != nil {
		payload["emergencyContact"] = map[string]any{
			"name":         c.Emergency.Name,
			"phone":        c.Emergency.Phone,
			"relationship": c.Emergency.Relationship,
		}
	}
	return payload
}

func transactionPayloads(transactions []store.Transaction) []map[string]any {
	out := make([]map[string]any, 0, len(transactions))
	for _, t := range transactions {
		out = append(out, transactionPayload(t))
	}
	return out
}

func transactionPayload(t store.Transaction) map[string]any {
	payload := map[string]any{
		"id":               t.ID,
		"clientId":         t.ClientID,
		"service":          t.Service,
		"amount":           t.Amount,
		"paid":             t.Paid,
		"paymentDate":      timePayload(t.PaymentDate),
		"dueDate":          timePayload(t.DueDate),
		"paymentReference": t.PaymentReference,
		"createdAt":        t.CreatedAt.Format(time.RFC3339),
		"shared":           t.Shared,
	}
	if t.OriginalID != "" {
		payload["originalId"] = t.OriginalID
	}
	if t.CreatedBy != "" {
		payload["createdBy"] = t.CreatedBy
	}
	return payload
}

func timePayload(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
