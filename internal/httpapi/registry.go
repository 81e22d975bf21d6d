// Package httpapi exposes the agent's local control surface. A thin UI
// drives playback, account toggles, cart and assistant actions through it;
// everything that talks to the platform goes through the agent, never
// straight from the UI.
package httpapi

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/BonisOleg/play-vision-sub000/internal/platform/api"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/httpserver"
)

// Command is one named operation of the control surface. Commands are
// registered once at startup; registration fails loudly on a malformed
// name instead of silently routing nowhere.
type Command struct {
	Name    string // dotted identifier, e.g. "session.open"
	Method  string
	Path    string // chi route pattern under /v1
	Handler http.HandlerFunc
}

var commandName = regexp.MustCompile(`^[a-z]+(\.[a-z_]+)+$`)

// Registry holds the command table and turns it into routes.
type Registry struct {
	mu       sync.Mutex
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

func (r *Registry) Register(c Command) error {
	if !commandName.MatchString(c.Name) {
		return fmt.Errorf("httpapi: invalid command name %q", c.Name)
	}
	switch c.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		return fmt.Errorf("httpapi: command %q uses unsupported method %q", c.Name, c.Method)
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("httpapi: command %q has malformed path %q", c.Name, c.Path)
	}
	if c.Handler == nil {
		return fmt.Errorf("httpapi: command %q has no handler", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[c.Name]; dup {
		return fmt.Errorf("httpapi: command %q registered twice", c.Name)
	}
	r.commands[c.Name] = c
	return nil
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Mount attaches every command under /v1 and installs an error-envelope
// 404 for anything outside the table.
func (r *Registry) Mount(router chi.Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	router.Route("/v1", func(v1 chi.Router) {
		for _, c := range r.commands {
			v1.Method(c.Method, c.Path, c.Handler)
		}
	})
	router.NotFound(func(w http.ResponseWriter, req *http.Request) {
		api.NotFound(w, "UNKNOWN_COMMAND", "no such command", httpserver.RequestIDFromContext(req.Context()))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed for this command", httpserver.RequestIDFromContext(req.Context()), nil)
	})
}
