package netaddr

import (
	"errors"
	"fmt"
)

// ErrNATMappingNotFound is returned when no static mapping exists
var ErrNATMappingNotFound = errors.New("nat mapping not found")

type natTarget struct {
	internalIP string
	port       int
}

// AddNAT installs a static mapping from an external IP to an internal
// address and port
func (a *Allocator) AddNAT(externalIP, internalIP string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nat[externalIP] = natTarget{internalIP: internalIP, port: port}
	a.logger.Info().
		Str("external", externalIP).
		Str("internal", internalIP).
		Int("port", port).
		Msg("nat mapping added")
}

// TranslateNAT resolves an external IP to its internal address and port
func (a *Allocator) TranslateNAT(externalIP string) (string, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, ok := a.nat[externalIP]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNATMappingNotFound, externalIP)
	}
	return target.internalIP, target.port, nil
}
