package routes

import (
	"net/http"
	"slices"

	"partyquiz/handlers"
	"partyquiz/middleware"
	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Deps struct {
	GameHandler    *handlers.GameHandler
	Hub            *services.Hub
	Verifier       services.TokenVerifier
	AllowedOrigins []string
	Logger         zerolog.Logger
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	upgrader := newUpgrader(deps.AllowedOrigins)

	api := router.Group("/api")
	{
		rooms := api.Group("/rooms")
		{
			rooms.POST("", middleware.AuthMiddleware(deps.Verifier, deps.Logger), deps.GameHandler.CreateRoom)
			rooms.GET("/:pin", deps.GameHandler.GetRoom)
		}
	}

	// Players connect anonymously; organizers present their token so the
	// hub can bind them to the organizer participant.
	router.GET("/ws", middleware.OptionalAuth(deps.Verifier, deps.Logger), func(c *gin.Context) {
		identity := middleware.CurrentIdentity(c)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			deps.Logger.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("websocket upgrade failed")
			return
		}

		deps.Hub.RegisterClient(conn, identity)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
