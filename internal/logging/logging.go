package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger. Production environments get JSON output;
// everything else gets the human readable development encoder.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger.With(zap.String("service", "orderflow")), nil
}
