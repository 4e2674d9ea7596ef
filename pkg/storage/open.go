package storage

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Open creates the backend selected by config.Driver. The filesystem
// backend writes through layout.
func Open(config Config, layout Layout, logger *logrus.Logger) (Store, error) {
	switch config.Driver {
	case "", DriverFile:
		return NewFileSystemStorage(layout, logger), nil
	case DriverSQLite, DriverPostgres:
		if config.DSN == "" {
			return nil, fmt.Errorf("storage driver %s requires a dsn", config.Driver)
		}
		return NewSQLStorage(config)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", config.Driver)
	}
}
