package httpapi

import (
	"net/http"
	"strconv"

	"github.com/example/ride-tracking/internal/apperr"
	"github.com/example/ride-tracking/internal/models"
)

// Identity is asserted by the upstream gateway.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

var (
	errUnauthenticated = apperr.Permission("Authentication required.")
	errRoleNotAllowed  = apperr.Permission("Your role cannot perform this action.")
)

func actorFromRequest(r *http.Request) (models.Actor, bool) {
	id, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
	if err != nil || id <= 0 {
		return models.Actor{}, false
	}
	role := models.Role(r.Header.Get(headerUserRole))
	switch role {
	case models.RoleDriver, models.RoleRider, models.RoleSystem:
		return models.Actor{ID: id, Role: role}, true
	}
	return models.Actor{}, false
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a, ok := actorFromRequest(r)
	if !ok {
		s.writeError(w, r, errUnauthenticated)
	}
	return a, ok
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	a, ok := s.authenticate(w, r)
	if !ok {
		return a, false
	}
	if a.Role != role {
		s.writeError(w, r, errRoleNotAllowed)
		return a, false
	}
	return a, true
}
