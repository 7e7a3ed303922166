package worker

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/conneroisu/pagerender/internal/renderer"
)

// TaskKind distinguishes render tasks from discovery tasks.
type TaskKind string

const (
	// KindRender renders one route.
	KindRender TaskKind = "render"
	// KindDiscover renders a bootstrap route and extracts linked routes.
	KindDiscover TaskKind = "discover"
)

// Task is one unit of work submitted to the pool.
type Task struct {
	Kind          TaskKind
	Route         string
	ServerContext renderer.ServerContext
}

// Result is what a unit reports for a task. A nil Content signals a route
// that failed to render without aborting the batch.
type Result struct {
	Route    string
	Content  *string
	Warnings []string
	Errors   []string
	// Routes holds discovered routes for KindDiscover tasks.
	Routes []string
}

// InitPayload is the shared, read-only input every unit is initialised with.
// It is serialised once per pool and decoded separately by each unit, so
// units never share memory.
type InitPayload struct {
	WorkspaceRoot     string              `msgpack:"workspace_root"`
	OutputFiles       map[string][]byte   `msgpack:"output_files"`
	Document          string              `msgpack:"document"`
	BaseURL           string              `msgpack:"base_url"`
	Manifest          []byte              `msgpack:"manifest,omitempty"`
	AppShellRoute     string              `msgpack:"app_shell_route,omitempty"`
	InlineCriticalCSS bool                `msgpack:"inline_critical_css"`
	RenderCommand     []string            `msgpack:"render_command,omitempty"`
	Pages             map[string]string   `msgpack:"pages,omitempty"`
	NotFoundPage      string              `msgpack:"not_found_page,omitempty"`
	Outlet            string              `msgpack:"outlet,omitempty"`
	Providers         []renderer.Provider `msgpack:"providers,omitempty"`
}

// Encode serialises the payload.
func (p *InitPayload) Encode() ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodePayload decodes a private copy of a serialised payload.
func DecodePayload(data []byte) (*InitPayload, error) {
	var p InitPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
