package web

import (
	"net/http"
	"os"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/store"
)

// ProjectRequest is the body of project create and update
type ProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConvertResponse is the asset with its FBX conversion details
type ConvertResponse struct {
	Asset      store.Asset           `json:"asset"`
	Conversion *bridge.ConvertResult `json:"conversion"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.projectRequest(w, r)
	if !ok {
		return
	}
	p, err := s.Store.CreateProject(r.Context(), store.Project{Name: req.Name, Description: req.Description})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	log.Printf("[INFO] project %s (%s) created", p.ID, p.Name)
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.projectRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	if err := s.Store.UpdateProject(ctx, store.Project{ID: id, Name: req.Name, Description: req.Description}); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleDeleteProject removes a project with its assets, files on disk are kept
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.Store.GetProject(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	assets, err := s.Store.ListAssets(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.GetAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteAsset(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConvertAsset sends the mesh of an asset to the engine for FBX conversion and records the result
func (s *Server) handleConvertAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := s.Store.GetAsset(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.Type != "mesh" {
		s.writeJSONError(w, http.StatusBadRequest, "only mesh assets can be converted, asset is "+a.Type)
		return
	}
	glb, err := os.ReadFile(a.FilePath)
	if err != nil {
		log.Printf("[WARN] can't read mesh of asset %s, %v", a.ID, err)
		s.writeJSONError(w, http.StatusConflict, "mesh file of the asset is not available")
		return
	}

	res, err := s.Engine.ConvertToFbx(ctx, bridge.ConvertRequest{GLB: glb, JobID: a.Metadata.Source})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.SetAssetFbx(ctx, a.ID, res.FbxPath); err != nil {
		s.writeError(w, r, err)
		return
	}
	a.FbxPath = res.FbxPath
	log.Printf("[INFO] asset %s converted to fbx by %s in %.1fs", a.ID, res.Backend, res.ConversionTime)
	s.writeJSON(w, http.StatusOK, ConvertResponse{Asset: a, Conversion: res})
}

func (s *Server) projectRequest(w http.ResponseWriter, r *http.Request) (ProjectRequest, bool) {
	var req ProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "project name is required")
		return req, false
	}
	return req, true
}
