package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/web/middleware"
	"github.com/forcebench/forcebench/internal/wizard"
)

// handleWizardCreate opens a fresh wizard session for the caller.
func (s *Server) handleWizardCreate(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	session := s.wizard.Create(subject)
	respondJSON(w, r, http.StatusCreated, session)
}

// handleWizardGet returns a session snapshot.
func (s *Server) handleWizardGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, session)
}

// eventEnvelope is the wire form of a wizard event. Type selects the event;
// the remaining fields are read per type.
type eventEnvelope struct {
	Type    string         `json:"type"`
	Object  string         `json:"object,omitempty"`
	Mode    string         `json:"mode,omitempty"`
	Row     int            `json:"row,omitempty"`
	Field   string         `json:"field,omitempty"`
	Value   string         `json:"value,omitempty"`
	Mapping ingest.Mapping `json:"mapping,omitempty"`
}

// decodeEvent turns an envelope into a typed wizard event. File attachment
// has its own upload endpoint and is not expressible here.
func decodeEvent(e eventEnvelope) (wizard.Event, error) {
	switch e.Type {
	case "selectObject":
		return wizard.SelectObject{Object: e.Object}, nil
	case "setMode":
		return wizard.SetMode{Mode: wizard.Mode(e.Mode)}, nil
	case "updateField":
		return wizard.UpdateField{Row: e.Row, Field: e.Field, Value: e.Value}, nil
	case "addRow":
		return wizard.AddRow{}, nil
	case "removeRow":
		return wizard.RemoveRow{Row: e.Row}, nil
	case "updateMapping":
		return wizard.UpdateMapping{Mapping: e.Mapping}, nil
	case "back":
		return wizard.Back{}, nil
	case "confirm":
		return wizard.Confirm{}, nil
	case "edit":
		return wizard.Edit{}, nil
	case "submit":
		return wizard.Submit{}, nil
	case "reset":
		return wizard.Reset{}, nil
	default:
		return nil, &salesforce.ValidationError{
			Fields: []string{"type"},
			Err:    fmt.Errorf("unknown wizard event %q", e.Type),
		}
	}
}

// handleWizardEvent applies one event to a session. Illegal step/event pairs
// come back as 409 from the state machine itself.
func (s *Server) handleWizardEvent(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var envelope eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"event"},
			Err:    errors.New("request body is not valid JSON"),
		})
		return
	}
	event, err := decodeEvent(envelope)
	if err != nil {
		respondError(w, r, err)
		return
	}

	updated, err := s.wizard.Apply(r.Context(), session.ID, event)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, updated)
}

// handleWizardFile stages an uploaded CSV and attaches it to the session.
// The file lands in the upload directory under a generated name; only that
// reference enters the session, never a client-supplied path.
func (s *Server) handleWizardFile(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileBytes)
	if err := r.ParseMultipartForm(s.cfg.Upload.MaxFileBytes); err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    errors.New("upload too large or malformed"),
		})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    errors.New("no file provided"),
		})
		return
	}
	defer file.Close()

	ref, staged, err := s.stageUpload(file, header.Size)
	if err != nil {
		respondError(w, r, err)
		return
	}

	updated, err := s.wizard.Apply(r.Context(), session.ID, wizard.AttachFile{Ref: ref})
	if err != nil {
		// The session refused the file; do not leave the staged copy behind.
		if rmErr := os.Remove(filepath.Join(s.cfg.Upload.Dir, ref)); rmErr != nil {
			logging.FromContext(r.Context()).Warn("remove rejected upload",
				"ref", ref, "error", rmErr.Error())
		}
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("file staged",
		"session_id", session.ID,
		"ref", ref,
		"filename", header.Filename,
		"bytes", staged,
	)
	respondJSON(w, r, http.StatusOK, updated)
}

// stageUpload copies an upload into the staging directory under a fresh
// name, passing it through the sanitation chain, and returns the reference
// and the number of sanitized bytes written.
func (s *Server) stageUpload(src io.Reader, size int64) (string, int64, error) {
	if err := os.MkdirAll(s.cfg.Upload.Dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	ref := uuid.NewString() + ".csv"

	dst, err := os.OpenFile(filepath.Join(s.cfg.Upload.Dir, ref), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create staged file: %w", err)
	}
	defer dst.Close()

	cr := ingest.WrapUpload(src, size)
	if _, err := io.Copy(dst, cr); err != nil {
		os.Remove(dst.Name())
		return "", 0, fmt.Errorf("write staged file: %w", err)
	}
	return ref, cr.BytesRead, nil
}

// ownedSession loads the session in the URL and verifies the caller owns it.
// Foreign sessions read as not found, not forbidden, so session IDs cannot
// be probed.
func (s *Server) ownedSession(r *http.Request) (*wizard.Session, error) {
	session, err := s.wizard.Get(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if session.SubjectID != middleware.Subject(r.Context()) {
		return nil, wizard.ErrSessionNotFound
	}
	return session, nil
}
