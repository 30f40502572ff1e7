package wire

import (
	"Parley/internal/api"
	"Parley/internal/api/config"
	"Parley/internal/api/handler"
	"Parley/internal/job"
	"Parley/internal/pkg/cron"
	pkgmongo "Parley/internal/pkg/mongo"
	"Parley/internal/realtime"
	"Parley/internal/repository"
	"Parley/internal/service"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// ApplicationContainer 封装了应用运行所需的所有顶级组件
type ApplicationContainer struct {
	Router       *gin.Engine
	DB           *gorm.DB
	CronMgr      *cron.Manager
	ChatService  service.ChatService
	TypingBroker *realtime.TypingBroker
}

func BuildApplication(db *gorm.DB, mongoConn *mongo.Database, cfg *config.Config) (*ApplicationContainer, error) {
	userRepo := repository.NewUserRepo(db)
	convRepo := repository.NewConversationRepo(db)
	messageRepo := pkgmongo.NewMessageRepo(mongoConn)

	registry := realtime.NewRegistry()
	recorder := service.NewLastSeenRecorder(userRepo)
	tracker := realtime.NewPresenceTracker(registry, recorder)
	typingBroker := realtime.NewTypingBroker(registry, time.Duration(cfg.WS.TypingTTL)*time.Second)
	dispatcher := realtime.NewDispatcher(registry)

	chatService := service.NewChatService(convRepo, messageRepo, userRepo, dispatcher)
	userService := service.NewUserService(userRepo, tracker)

	handlers := &api.HandlersGroup{
		UserHandler: handler.NewUserHandler(userService),
		ChatHandler: handler.NewChatHandler(chatService),
		WSHandler:   handler.NewWsHandler(registry, typingBroker, chatService),
	}

	router := api.SetupRouter(handlers)

	cronMgr := cron.NewCronManager(job.NewConversationCalibrationJob(convRepo, messageRepo))

	return &ApplicationContainer{
		Router:       router,
		DB:           db,
		CronMgr:      cronMgr,
		ChatService:  chatService,
		TypingBroker: typingBroker,
	}, nil
}
