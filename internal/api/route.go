package api

import (
	"Parley/internal/api/middleware"
	"Parley/internal/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(group *HandlersGroup) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"localhost"})

	// TraceId & Logger & CORS
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.CORSMiddleware())
	logger.SetupGin(r)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"Code":    200,
				"Message": "pong",
				"Data":    nil,
			})
		})

		authGroup := apiGroup.Group("/auth")
		{
			authGroup.POST("/register", group.UserHandler.Register)
			authGroup.POST("/login", group.UserHandler.Login)

			loggedIn := authGroup.Group("")
			loggedIn.Use(middleware.AuthMiddleware())
			{
				loggedIn.POST("/logout", group.UserHandler.Logout)
				loggedIn.GET("/me", group.UserHandler.Me)
			}
		}

		userGroup := apiGroup.Group("/users")
		userGroup.Use(middleware.AuthMiddleware())
		{
			userGroup.GET("", group.UserHandler.ListUsers)
			userGroup.GET("/online", group.UserHandler.ListOnlineUsers)
		}

		messageGroup := apiGroup.Group("/messages")
		messageGroup.Use(middleware.AuthMiddleware())
		{
			messageGroup.POST("", group.ChatHandler.SendMessage)
			messageGroup.PUT("/:message_id/read", group.ChatHandler.MarkAsRead)
			messageGroup.GET("/sync", group.ChatHandler.SyncMessages)
		}

		convGroup := apiGroup.Group("/conversations")
		convGroup.Use(middleware.AuthMiddleware())
		{
			convGroup.GET("", group.ChatHandler.GetConversationList)
			convGroup.GET("/:conversation_id", group.ChatHandler.GetHistory)
		}

		imGroup := apiGroup.Group("/im")
		{
			imGroup.GET("", group.WSHandler.Connect)
		}
	}

	return r
}
