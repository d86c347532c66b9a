package packs

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
)

// TagsHandler returns the tag histogram.
// GET /tags
func (h *Handlers) TagsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tags, err := h.query.GetTagCounts(c.Request.Context())
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tags": tags})
	}
}

// TargetHandler lists packs supporting a target tool.
// GET /targets/:id
func (h *Handlers) TargetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		packs, err := h.query.ListByTarget(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packs": nonNil(packs)})
	}
}

// FeaturedHandler lists featured packs.
// GET /featured
func (h *Handlers) FeaturedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		packs, err := h.query.ListFeatured(c.Request.Context(), limit)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packs": nonNil(packs)})
	}
}

// StatsHandler returns global counters.
// GET /stats
func (h *Handlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.query.GetStats(c.Request.Context())
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
