package can

import (
	"fmt"
	"log/slog"
)

type NewTransportFunc func(logger *slog.Logger) Transport

var transportRegistry = make(map[string]NewTransportFunc)

// RegisterTransport registers a new transport kind.
// This should be called inside an init() function of the backend.
func RegisterTransport(kind string, newTransport NewTransportFunc) {
	transportRegistry[kind] = newTransport
}

// AvailableTransports lists the registered transport kinds.
func AvailableTransports() []string {
	kinds := make([]string, 0, len(transportRegistry))
	for kind := range transportRegistry {
		kinds = append(kinds, kind)
	}
	return kinds
}

// NewTransport creates the transport selected by cfg.Kind.
// Currently supported : usb_serial, socketcan, socketcan_raw, virtual.
func NewTransport(cfg Config, logger *slog.Logger) (Transport, error) {
	createTransport, ok := transportRegistry[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w : %v", ErrUnsupportedInterface, cfg.Kind)
	}
	return createTransport(logger), nil
}
