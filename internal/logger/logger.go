package logger

import (
	"go.uber.org/zap"
)

// New builds a production JSON logger at verbosity. An empty verbosity
// means info.
func New(verbosity string, opts ...zap.Option) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	// provider calls fail in bursts; keep every line
	config.Sampling = nil
	return config.Build(opts...)
}
