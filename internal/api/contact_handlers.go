package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// contactRequest is the body of POST /api/contacts.
type contactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// contactList is returned by GET /api/contacts.
type contactList struct {
	Contacts  []models.Contact `json:"contacts"`
	PrimaryID string           `json:"primary_id,omitempty"`
}

// contactsHandler handles GET and POST /api/contacts.
func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.contactsHandler: invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		s.listContacts(w, r)
	case http.MethodPost:
		s.addContact(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	all, err := s.book.List(r.Context())
	if err != nil {
		slog.Error("Server.listContacts: failed to list contacts", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch contacts")
		return
	}
	out := contactList{Contacts: all}
	if out.Contacts == nil {
		out.Contacts = []models.Contact{}
	}
	primary, err := s.book.Primary(r.Context())
	if err != nil {
		slog.Warn("Server.listContacts: failed to resolve primary", "error", err)
	} else if primary != nil {
		out.PrimaryID = primary.ID
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) addContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.addContact: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	c, err := s.book.Add(r.Context(), req.Name, req.Phone)
	if err != nil {
		if errors.Is(err, models.ErrInvalidContact) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Server.addContact: failed to add contact", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add contact")
		return
	}
	slog.Info("Server.addContact: contact added", "id", c.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Contact added", c))
}

// contactHandler handles /api/contacts/{id} and /api/contacts/{id}/primary.
func (s *Server) contactHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/contacts/"), "/")
	segments := strings.Split(path, "/")
	if segments[0] == "" {
		writeError(w, http.StatusNotFound, "Missing contact ID")
		return
	}
	id := segments[0]

	switch {
	case len(segments) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		s.removeContact(w, r, id)
	case len(segments) == 2 && segments[1] == "primary":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.setPrimary(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "Unknown contact endpoint")
	}
}

func (s *Server) removeContact(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.book.Remove(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrContactNotFound) {
			writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		slog.Error("Server.removeContact: failed to remove contact", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to remove contact")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact removed", nil))
}

func (s *Server) setPrimary(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.book.SetPrimary(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrContactNotFound) {
			writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		slog.Error("Server.setPrimary: failed to set primary", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to set primary contact")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Primary contact set", map[string]string{"primary_id": id}))
}

// settingsHandler handles GET and PUT /api/settings.
func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.settings.Get()))
	case http.MethodPut:
		// Fields missing from the body keep their current values.
		next := s.settings.Get()
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON format")
			return
		}
		if err := s.settings.Update(next); err != nil {
			slog.Error("Server.settingsHandler: failed to save settings", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Settings saved", s.settings.Get()))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}
