package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carevault.org/internal/importer"
	"carevault.org/internal/records"
)

const dateLayout = "2006-01-02"

type createPatientRequest struct {
	RecordKey   string `json:"record_key"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
}

type updatePatientRequest struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Gender      *string `json:"gender"`
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) handlePatients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.searchPatients(w, r)
	case http.MethodPost:
		a.createPatient(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) searchPatients(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	q := records.Query{
		Search:   r.URL.Query().Get("q"),
		SortKey:  r.URL.Query().Get("sort"),
		SortDesc: r.URL.Query().Get("order") == "desc",
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		q.Offset = n
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	page, err := a.deps.Records.Search(r.Context(), p, q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) createPatient(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	var req createPatientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dob, err := time.ParseInLocation(dateLayout, req.DateOfBirth, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
		return
	}
	rec, err := a.deps.Records.Create(r.Context(), p, records.CreateInput{
		RecordKey:   req.RecordKey,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: dob,
		Gender:      req.Gender,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/patients/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handlePatientScoped(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/patients/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := a.deps.Records.Get(r.Context(), p, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPatch:
		var req updatePatientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd := records.Update{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Gender:    req.Gender,
		}
		if req.DateOfBirth != nil {
			dob, err := time.ParseInLocation(dateLayout, *req.DateOfBirth, time.UTC)
			if err != nil {
				writeError(w, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
				return
			}
			upd.DateOfBirth = &dob
		}
		rec, err := a.deps.Records.Update(r.Context(), p, id, upd)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := a.deps.Records.Delete(r.Context(), p, id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, "GET, PATCH, DELETE")
	}
}

func (a *API) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	var req bulkDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.deps.Records.BulkDelete(r.Context(), p, req.IDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	stats, err := a.deps.Records.Stats(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// readUpload pulls the spreadsheet out of a multipart form.
func readUpload(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (a *API) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	data, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	report, err := a.deps.Records.PreviewImport(r.Context(), p, data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleImportCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := principalFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	data, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	result, err := a.deps.Records.CommitImport(r.Context(), p, data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := principalFrom(r); !ok {
		writeError(w, http.StatusUnauthorized, "missing authentication")
		return
	}
	data, err := importer.Template()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="patients_template.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
