// Package registry parses the gateway's service configuration file: the
// ordered mapping from service id to the upstream host/port the gateway
// dials for it.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Service is one configured upstream.
type Service struct {
	ID   uint32
	Host string
	Port string
}

// Registry is an immutable, ordered service table. The zero value is not
// usable; construct one with Load.
type Registry struct {
	order []uint32
	byID  map[uint32]Service
}

// Load parses path as a line-oriented service configuration file. Each
// non-blank, non-comment ('#'-prefixed) line declares one service:
//
//	service_id host port
//
// Duplicate service ids or malformed lines fail the whole load — the
// gateway has nothing useful to run with a partially-valid registry.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: opening %q: %w", path, err)
	}
	defer f.Close()

	r := &Registry{byID: make(map[uint32]Service)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("registry: %s:%d: expected 3 fields (service_id host port), got %d", path, lineNo, len(fields))
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("registry: %s:%d: invalid service id %q: %w", path, lineNo, fields[0], err)
		}

		svc := Service{ID: uint32(id), Host: fields[1], Port: fields[2]}
		if _, dup := r.byID[svc.ID]; dup {
			return nil, fmt.Errorf("registry: %s:%d: duplicate service id %d", path, lineNo, svc.ID)
		}

		r.byID[svc.ID] = svc
		r.order = append(r.order, svc.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registry: reading %q: %w", path, err)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("registry: %q declares no services", path)
	}

	return r, nil
}

// Lookup returns the service configured under id, if any.
func (r *Registry) Lookup(id uint32) (Service, bool) {
	svc, ok := r.byID[id]
	return svc, ok
}

// All returns every configured service in declaration order.
func (r *Registry) All() []Service {
	out := make([]Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
