package hls

import (
	"net/http"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the HLS delivery endpoints on a router group.
func (t *Transcoder) RegisterRoutes(r gin.IRouter) {
	r.GET("/hls/:roomId/playlist.m3u8", t.ServePlaylist)
	r.GET("/hls/:roomId/:segment", t.ServeSegment)
}

// ServePlaylist handles GET /hls/:roomId/playlist.m3u8.
func (t *Transcoder) ServePlaylist(c *gin.Context) {
	playlist, ok := t.Playlist(types.RoomIDType(c.Param("roomId")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active broadcast"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

// ServeSegment handles GET /hls/:roomId/:segment.
func (t *Transcoder) ServeSegment(c *gin.Context) {
	data, ok := t.Segment(types.RoomIDType(c.Param("roomId")), c.Param("segment"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found"})
		return
	}

	// Segments are immutable once cut.
	c.Header("Cache-Control", "max-age=3600")
	c.Data(http.StatusOK, "video/mp2t", data)
}
