package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

type FactoryFunc func(cfg any, log zerolog.Logger) (Connector, error)

var (
	mu         sync.RWMutex
	connectors = map[string]FactoryFunc{}
)

func RegisterConnector(kind string, f FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	connectors[kind] = f
}

func BuildConnector(kind string, cfg any, log zerolog.Logger) (Connector, error) {
	mu.RLock()
	f, ok := connectors[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector type: %s", kind)
	}
	return f(cfg, log)
}

// Kinds lists the registered connector types.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(connectors))
	for k := range connectors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
