package logger

import (
	log "log/slog"
	"os"
)

func InitLogger() {
	handler := log.NewJSONHandler(os.Stdout, &log.HandlerOptions{Level: log.LevelInfo})

	logger := log.New(&ContextHandler{handler})
	log.SetDefault(logger)
}
