package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/labmq/serialmq/internal/logging"
)

// InitLogger builds the process logger and installs it as the zerolog
// default. Level and console options come from the logging profile.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    logging.NoColor(),
	}
	ctx := zerolog.New(output).With().Str("app", app)
	if logging.Timestamp() {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
