package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	mid "github.com/obslens/tracegraph/internal/server/middleware"
	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
)

type queryRequest struct {
	Question string `json:"question" validate:"required"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// QueryHandler runs the agent pipeline for one question. The whole query is
// bounded by QUERY_TIMEOUT_SEC; a deadline hit returns 504 rather than a
// partial answer.
func QueryHandler(c echo.Context) error {
	ac := c.(*mid.AppContext)

	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Kind: "bad_request", Message: "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Kind: "bad_request", Message: "question is required"})
	}

	timeout := time.Duration(util.GetEnvNumeric("QUERY_TIMEOUT_SEC", 60)) * time.Second
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	start := time.Now()
	response, err := ac.App.Agent.Run(ctx, req.Question)
	if err != nil {
		if common.IsKind(err, common.KindTimeout) {
			logger.Warn("[Server] Query timed out", "question", req.Question, "elapsed_ms", time.Since(start).Milliseconds())
			return c.JSON(http.StatusGatewayTimeout, errorResponse{Kind: "timeout", Message: "query deadline exceeded"})
		}
		logger.Error("[Server] Query failed", "question", req.Question, "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Kind: "internal", Message: "query failed"})
	}

	logger.Info("[Server] Query answered", "elapsed_ms", time.Since(start).Milliseconds(), "sources", len(response.ContextSources))
	return c.JSON(http.StatusOK, response)
}
