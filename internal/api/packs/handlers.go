// Package packs implements the HTTP handlers for publishing, browsing and
// managing packs.
//
// Scoped names such as "@acme/rules" contain a slash, so clients must encode
// them in path segments (/packs/@acme%2Frules). The router matches on the raw
// path and unescapes parameters before they reach these handlers.
package packs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/middleware"
	"github.com/packregistry/packregistry/internal/services"
)

// multipartOverhead allows for the metadata and readme parts on top of the tarball.
const multipartOverhead = 2 << 20

// Handlers serves the /packs routes.
type Handlers struct {
	packs   *services.PackService
	publish *services.PublishService
	query   *services.QueryService
	maxBody int64
}

// NewHandlers creates pack handlers. maxTarballSize bounds the upload body.
func NewHandlers(packs *services.PackService, publish *services.PublishService, query *services.QueryService, maxTarballSize int64) *Handlers {
	return &Handlers{
		packs:   packs,
		publish: publish,
		query:   query,
		maxBody: maxTarballSize + multipartOverhead,
	}
}

// PublishHandler accepts a multipart upload with "tarball", "metadata" and an
// optional "readme" part.
// POST /packs
func (h *Handlers) PublishHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

		metadata, err := formPart(c, "metadata")
		if err != nil {
			apperr.Abort(c, uploadError(err, "metadata"))
			return
		}

		file, err := c.FormFile("tarball")
		if err != nil {
			apperr.Abort(c, uploadError(err, "tarball"))
			return
		}
		tarball, err := file.Open()
		if err != nil {
			apperr.Abort(c, fmt.Errorf("failed to open tarball part: %w", err))
			return
		}
		defer tarball.Close()

		var readme *string
		if b, err := formPart(c, "readme"); err == nil {
			s := string(b)
			readme = &s
		}

		result, err := h.publish.Publish(c.Request.Context(), services.PublishRequest{
			Identity: identity,
			Metadata: metadata,
			Tarball:  tarball,
			Readme:   readme,
		})
		if err != nil {
			apperr.Abort(c, err)
			return
		}

		c.Set(middleware.AuditResourceKey, result.Name)
		c.JSON(http.StatusCreated, result)
	}
}

// formPart reads a multipart field supplied either as a plain value or as a file.
func formPart(c *gin.Context, name string) ([]byte, error) {
	if v, ok := c.GetPostForm(name); ok {
		return []byte(v), nil
	}
	fh, err := c.FormFile(name)
	if err != nil {
		return nil, err
	}
	return readFileHeader(fh)
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func uploadError(err error, part string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Newf(apperr.CodeInvalidInput, "request body exceeds maximum size of %d bytes", tooLarge.Limit).
			WithReason(apperr.ReasonInvalidManifest)
	}
	return apperr.InvalidInput(part + " part is required").WithReason(apperr.ReasonInvalidManifest)
}

// SearchHandler lists packs matching q, tag and target.
// GET /packs?q=&tag=&target=&limit=&offset=
func (h *Handlers) SearchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		packs, err := h.query.Search(c.Request.Context(), models.SearchFilters{
			Query:  c.Query("q"),
			Tag:    c.Query("tag"),
			Target: c.Query("target"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packs": nonNil(packs)})
	}
}

// GetHandler returns a pack with its versions.
// GET /packs/:name
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.packs.GetPack(c.Request.Context(), c.Param("name"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

// ListVersionsHandler returns a pack's versions, newest first.
// GET /packs/:name/versions
func (h *Handlers) ListVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := h.packs.ListVersions(c.Request.Context(), c.Param("name"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions})
	}
}

// GetVersionHandler returns one version.
// GET /packs/:name/versions/:version
func (h *Handlers) GetVersionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.packs.GetVersion(c.Request.Context(), c.Param("name"), c.Param("version"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// TarballHandler streams a version's stored bytes.
// GET /packs/:name/versions/:version/tarball
func (h *Handlers) TarballHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, v, err := h.packs.Download(c.Request.Context(), c.Param("name"), c.Param("version"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		defer body.Close()

		c.DataFromReader(http.StatusOK, v.TarballSize, "application/gzip", body, map[string]string{
			"X-Pack-Integrity":    v.Integrity,
			"Content-Disposition": fmt.Sprintf(`attachment; filename="%s-%s.tgz"`, tarballBase(v.PackName), v.Version),
		})
	}
}

// tarballBase turns "@acme/rules" into "acme-rules".
func tarballBase(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch ch := name[i]; ch {
		case '@':
		case '/':
			out = append(out, '-')
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

// ReadmeHandler returns the pack's readme.
// GET /packs/:name/readme
func (h *Handlers) ReadmeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		readme, err := h.packs.GetReadme(c.Request.Context(), c.Param("name"))
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, readme)
	}
}

// DeleteVersionHandler removes one version and its blob.
// DELETE /packs/:name/versions/:version
func (h *Handlers) DeleteVersionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		name, version := c.Param("name"), c.Param("version")

		if err := h.packs.DeleteVersion(c.Request.Context(), identity, name, version); err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Version %s of %s deleted", version, name)})
	}
}

// DeletePackHandler removes a pack and every version.
// DELETE /packs/:name
func (h *Handlers) DeletePackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		name := c.Param("name")

		if err := h.packs.DeletePack(c.Request.Context(), identity, name); err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Pack %s deleted", name)})
	}
}

type deprecateRequest struct {
	Deprecated *bool   `json:"deprecated"`
	Message    *string `json:"message"`
}

// DeprecateHandler sets or clears the deprecation flag.
// POST /packs/:name/deprecate
func (h *Handlers) DeprecateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deprecateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Abort(c, apperr.InvalidInput("Invalid request body"))
			return
		}
		deprecated := true
		if req.Deprecated != nil {
			deprecated = *req.Deprecated
		}

		identity, _ := middleware.IdentityFrom(c)
		pack, err := h.packs.Deprecate(c.Request.Context(), identity, c.Param("name"), deprecated, req.Message)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, pack)
	}
}

type featureRequest struct {
	Featured *bool `json:"featured"`
}

// FeatureHandler sets or clears the featured flag. Admin scope is enforced by the router.
// POST /packs/:name/feature
func (h *Handlers) FeatureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req featureRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Featured == nil {
			apperr.Abort(c, apperr.InvalidInput("featured (boolean) is required"))
			return
		}

		pack, err := h.packs.SetFeatured(c.Request.Context(), c.Param("name"), *req.Featured)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		slog.Info("pack featured flag changed", "pack", pack.Name, "featured", pack.Featured)
		c.JSON(http.StatusOK, pack)
	}
}

func nonNil(packs []models.Pack) []models.Pack {
	if packs == nil {
		return []models.Pack{}
	}
	return packs
}
