package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"carevault.org/internal/auth"
)

type createUserRequest struct {
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	RoleID     string `json:"role_id"`
	LocationID string `json:"location_id"`
	TeamID     string `json:"team_id"`
}

type updateUserRequest struct {
	Email      *string `json:"email"`
	FullName   *string `json:"full_name"`
	Phone      *string `json:"phone"`
	RoleID     *string `json:"role_id"`
	LocationID *string `json:"location_id"`
	TeamID     *string `json:"team_id"`
	Status     *string `json:"status"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type createRoleRequest struct {
	Name string `json:"name"`
}

type assignPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

type createNamedRequest struct {
	Name string `json:"name"`
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
			return
		}
		users, err := a.deps.RBAC.ListUsers(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		p, ok := a.ensurePermission(w, r, auth.PermManageUsers)
		if !ok {
			return
		}
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.deps.RBAC.CreateUser(r.Context(), p, auth.CreateUserInput{
			Email:      req.Email,
			FullName:   req.FullName,
			Phone:      req.Phone,
			Password:   req.Password,
			RoleID:     req.RoleID,
			LocationID: req.LocationID,
			TeamID:     req.TeamID,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/admin/users/"+user.ID)
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/users/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		p, ok := a.ensurePermission(w, r, auth.PermManageUsers)
		if !ok {
			return
		}
		switch parts[1] {
		case "unlock":
			if err := a.deps.Security.Unlock(r.Context(), p, userID); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
		case "disable":
			user, err := a.deps.RBAC.DisableUser(r.Context(), p, userID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, user)
		case "reset-password":
			var req resetPasswordRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := a.deps.RBAC.AdminResetPassword(r.Context(), p, userID, req.Password); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "password reset"})
		default:
			writeError(w, http.StatusNotFound, "resource not found")
		}
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
			return
		}
		user, err := a.deps.RBAC.GetUser(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		p, ok := a.ensurePermission(w, r, auth.PermManageUsers)
		if !ok {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.deps.RBAC.UpdateUser(r.Context(), p, userID, auth.UserUpdate{
			Email:      req.Email,
			FullName:   req.FullName,
			Phone:      req.Phone,
			RoleID:     req.RoleID,
			LocationID: req.LocationID,
			TeamID:     req.TeamID,
			Status:     req.Status,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	default:
		methodNotAllowed(w, "GET, PATCH")
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
			return
		}
		roles, err := a.deps.RBAC.ListRoles(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		p, ok := a.ensurePermission(w, r, auth.PermManageRoles)
		if !ok {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.deps.RBAC.CreateRole(r.Context(), p, req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/admin/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleRoleScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/roles/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		p, ok := a.ensurePermission(w, r, auth.PermManageRoles)
		if !ok {
			return
		}
		if err := a.deps.RBAC.DeleteRole(r.Context(), p, roleID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case len(parts) == 2 && parts[1] == "permissions" && r.Method == http.MethodPut:
		p, ok := a.ensurePermission(w, r, auth.PermManageRoles)
		if !ok {
			return
		}
		var req assignPermissionsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.deps.RBAC.AssignPermissions(r.Context(), p, roleID, req.PermissionIDs); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "permissions assigned"})
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
		return
	}
	perms, err := a.deps.RBAC.ListPermissions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
			return
		}
		locs, err := a.deps.RBAC.ListLocations(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
	case http.MethodPost:
		p, ok := a.ensurePermission(w, r, auth.PermManageUsers)
		if !ok {
			return
		}
		var req createNamedRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		loc, err := a.deps.RBAC.CreateLocation(r.Context(), p, req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, loc)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleTeams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.ensurePermission(w, r, auth.PermReadUsers); !ok {
			return
		}
		teams, err := a.deps.RBAC.ListTeams(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
	case http.MethodPost:
		p, ok := a.ensurePermission(w, r, auth.PermManageUsers)
		if !ok {
			return
		}
		var req createNamedRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		team, err := a.deps.RBAC.CreateTeam(r.Context(), p, req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, team)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, auth.PermViewAudit); !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := a.deps.Auditor.Query(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
