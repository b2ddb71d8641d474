package logger

import "go.uber.org/zap"

// New builds the service logger. Development mode switches to the
// human-readable console encoder.
func New(environment string) (*zap.Logger, error) {
	if environment == "development" || environment == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
