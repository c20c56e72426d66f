package middleware

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/obslens/tracegraph/pkg/agent"
	"github.com/obslens/tracegraph/pkg/ai"
)

// App holds the long-lived dependencies handlers reach through the request
// context.
type App struct {
	DBConn   *pgxpool.Pool
	AiClient ai.GraphAIClient
	Agent    *agent.Agent
}

type AppContext struct {
	echo.Context
	App *App
}

// AppContextMiddleware wraps every request context with the shared App.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
