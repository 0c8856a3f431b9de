package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/git-pkgs/registry-server/internal/cargoproto"
	"github.com/git-pkgs/registry-server/internal/domain"
)

// registryService is the subset of *registry.Service the HTTP surface
// calls. Defined here, not in internal/registry, so tests in this
// package can substitute a double without importing the git/bolt stack
// internal/registry.Service pulls in.
type registryService interface {
	Publish(ctx context.Context, userID uint64, req *cargoproto.PublishRequest) (*domain.Warnings, error)
	Yank(ctx context.Context, userID uint64, name, vers string) error
	Unyank(ctx context.Context, userID uint64, name, vers string) error
	ListOwners(name string) ([]domain.OwnerListEntry, error)
	AddOwners(userID uint64, name string, logins []string) error
	RemoveOwners(userID uint64, name string, logins []string) error
	Search(query string, limit int) ([]domain.SearchResult, int, error)
	Download(name, vers string) ([]byte, error)
	GetVersion(name, vers string) (*domain.Package, error)
	GetPackage(name string) ([]domain.Package, *domain.PackageDescriptor, error)
}

// mirrorService is the subset of *mirror.Service the download handler
// falls back to when a tarball isn't present locally.
type mirrorService interface {
	Fetch(ctx context.Context, name, vers string) ([]byte, error)
}

// userService is the subset of *auth.Service the ktra-prefixed account
// endpoints call.
type userService interface {
	NewUser(login, password string) (string, error)
	Login(login, password string) (string, error)
	ChangePassword(login, oldPassword, newPassword string) (string, error)
}

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

func handlePublish(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := cargoproto.Parse(r.Body)
		if err != nil {
			writeError(w, err)
			return
		}

		warnings, err := reg.Publish(r.Context(), userID(r.Context()), req)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Warnings *domain.Warnings `json:"warnings"`
		}{warnings})
	}
}

func handleYank(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, vers := chi.URLParam(r, "name"), chi.URLParam(r, "vers")
		if err := reg.Yank(r.Context(), userID(r.Context()), name, vers); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func handleUnyank(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, vers := chi.URLParam(r, "name"), chi.URLParam(r, "vers")
		if err := reg.Unyank(r.Context(), userID(r.Context()), name, vers); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func handleListOwners(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owners, err := reg.ListOwners(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Users []domain.OwnerListEntry `json:"users"`
		}{owners})
	}
}

type ownersRequest struct {
	Users []string `json:"users"`
}

func handleAddOwners(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ownersRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.Wrap(domain.KindBadRequest, err, "decoding owners request"))
			return
		}
		name := chi.URLParam(r, "name")
		if err := reg.AddOwners(userID(r.Context()), name, body.Users); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK  bool   `json:"ok"`
			Msg string `json:"msg"`
		}{true, "owners added"})
	}
}

func handleRemoveOwners(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ownersRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.Wrap(domain.KindBadRequest, err, "decoding owners request"))
			return
		}
		name := chi.URLParam(r, "name")
		if err := reg.RemoveOwners(userID(r.Context()), name, body.Users); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func handleSearch(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		perPage := defaultPerPage
		if raw := r.URL.Query().Get("per_page"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				perPage = n
			}
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}

		results, total, err := reg.Search(q, perPage)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Crates []domain.SearchResult `json:"crates"`
			Meta   struct {
				Total int `json:"total"`
			} `json:"meta"`
		}{
			Crates: results,
			Meta:   struct{ Total int `json:"total"` }{total},
		})
	}
}

func handleDownload(reg registryService, mir mirrorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, vers := chi.URLParam(r, "name"), chi.URLParam(r, "vers")

		data, err := reg.Download(name, vers)
		if err != nil && domain.KindOf(err) == domain.KindNotFound && mir != nil {
			data, err = mir.Fetch(r.Context(), name, vers)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func handleGetVersion(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, vers := chi.URLParam(r, "name"), chi.URLParam(r, "vers")
		pkg, err := reg.GetVersion(name, vers)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pkg)
	}
}

func handleGetPackage(reg registryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		versions, desc, err := reg.GetPackage(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Versions   []domain.Package           `json:"versions"`
			Descriptor *domain.PackageDescriptor `json:"descriptor"`
		}{versions, desc})
	}
}

type passwordRequest struct {
	Password string `json:"password"`
}

func handleNewUser(users userService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body passwordRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.Wrap(domain.KindBadRequest, err, "decoding new_user request"))
			return
		}
		token, err := users.NewUser(chi.URLParam(r, "login"), body.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Token string `json:"token"`
		}{token})
	}
}

func handleLogin(users userService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body passwordRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.Wrap(domain.KindBadRequest, err, "decoding login request"))
			return
		}
		token, err := users.Login(chi.URLParam(r, "login"), body.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Token string `json:"token"`
		}{token})
	}
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func handleChangePassword(users userService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body changePasswordRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, domain.Wrap(domain.KindBadRequest, err, "decoding change_password request"))
			return
		}
		token, err := users.ChangePassword(chi.URLParam(r, "login"), body.OldPassword, body.NewPassword)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Token string `json:"token"`
		}{token})
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}
