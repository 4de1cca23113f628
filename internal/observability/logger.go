package observability

import (
	"github.com/danmuck/viewsctl/internal/logging"
	"github.com/rs/zerolog"
)

func InitLogger(app string) zerolog.Logger {
	return logging.ConfigureRuntime(app)
}
