package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	deadletterdomain "github.com/smallbiznis/courier/internal/deadletter/domain"
)

type deadLetterDetailResponse struct {
	Entry   *deadletterdomain.Entry    `json:"entry"`
	Replays []*deadletterdomain.Replay `json:"replays"`
}

type replayRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	pageSize, err := parsePageSize(c.Query("page_size"), c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.deadLetters.List(c.Request.Context(), deadletterdomain.ListRequest{
		Kind:      strings.TrimSpace(c.Query("kind")),
		Source:    deadletterdomain.Source(strings.ToLower(strings.TrimSpace(c.Query("source")))),
		Status:    deadletterdomain.EntryStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(c.Query("page_token")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetDeadLetter(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	ctx := c.Request.Context()
	entry, err := s.deadLetters.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	replays, err := s.deadLetters.ListReplays(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if replays == nil {
		replays = []*deadletterdomain.Replay{}
	}

	c.JSON(http.StatusOK, deadLetterDetailResponse{Entry: entry, Replays: replays})
}

// ReplayDeadLetter takes the actor from the request body, falling back to the
// X-Courier-Actor header.
func (s *Server) ReplayDeadLetter(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = actorFromContext(c)
	}

	resp, err := s.deadLetters.Replay(c.Request.Context(), deadletterdomain.ReplayRequest{
		EntryID: id,
		Actor:   actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}
