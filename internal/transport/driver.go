package transport

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	driverMu sync.RWMutex
	driver   Dialer
)

// RegisterDriver installs the concrete protocol implementation. Drivers
// call this from an init function, database/sql style; the worker binary
// links exactly one.
func RegisterDriver(d Dialer) {
	driverMu.Lock()
	defer driverMu.Unlock()
	driver = d
}

// Driver returns the registered protocol implementation.
func Driver() (Dialer, error) {
	driverMu.RLock()
	defer driverMu.RUnlock()
	if driver == nil {
		return nil, errors.New("transport: no chat transport driver registered")
	}
	return driver, nil
}
