package connection

import (
	"strings"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

type (
	// ExposedTool is one entry of the aggregate catalog: a server tool under
	// the name the model sees after namespacing.
	ExposedTool struct {
		Name         string
		OriginalName string
		ServerName   string
		Description  string
		InputSchema  map[string]any
	}

	// serverCatalog is the routing snapshot for one connected server, in
	// registration order.
	serverCatalog struct {
		name   string
		prefix string
		tools  []transport.ToolInfo
	}
)

// exposeCatalogs resolves exposed names for every tool across the connected
// servers. Under "none" a raw-name collision is won by the later
// registration; under "auto" a tool is prefixed when more than one server is
// connected or its raw name is claimed by more than one server.
func exposeCatalogs(strategy string, servers []serverCatalog) []ExposedTool {
	multi := len(servers) > 1
	claims := make(map[string]int)
	for _, s := range servers {
		for _, ti := range s.tools {
			claims[ti.Name]++
		}
	}
	prefixed := func(name string) bool {
		switch strategy {
		case toolserver.NamespacingPrefix:
			return true
		case toolserver.NamespacingNone:
			return false
		default:
			return multi || claims[name] > 1
		}
	}

	var out []ExposedTool
	index := make(map[string]int)
	for _, s := range servers {
		for _, ti := range s.tools {
			name := ti.Name
			if prefixed(ti.Name) {
				name = s.prefix + "_" + ti.Name
			}
			et := ExposedTool{
				Name:         name,
				OriginalName: ti.Name,
				ServerName:   s.name,
				Description:  ti.Description,
				InputSchema:  ti.InputSchema,
			}
			if i, ok := index[name]; ok {
				out[i] = et
				continue
			}
			index[name] = len(out)
			out = append(out, et)
		}
	}
	return out
}

// routeTool maps an exposed name the model produced back to a server and
// its original tool name. Resolution order: prefix match, exact raw name
// (later registration wins, mirroring exposure), then a retry tolerating
// swapped "-" and "_" separators.
func routeTool(servers []serverCatalog, exposed string) (string, string, error) {
	for _, s := range servers {
		p := s.prefix + "_"
		if rest, ok := strings.CutPrefix(exposed, p); ok && hasTool(s.tools, rest) {
			return s.name, rest, nil
		}
	}

	var serverName, originalName string
	for _, s := range servers {
		if hasTool(s.tools, exposed) {
			serverName, originalName = s.name, exposed
		}
	}
	if serverName != "" {
		return serverName, originalName, nil
	}

	norm := normalizeToolName(exposed)
	for _, s := range servers {
		for _, ti := range s.tools {
			if normalizeToolName(s.prefix+"_"+ti.Name) == norm || normalizeToolName(ti.Name) == norm {
				return s.name, ti.Name, nil
			}
		}
	}

	return "", "", fault.Errorf(fault.NotFound, "tool_not_found", "no connected server exposes tool %q", exposed)
}

func hasTool(tools []transport.ToolInfo, name string) bool {
	for _, ti := range tools {
		if ti.Name == name {
			return true
		}
	}
	return false
}

// normalizeToolName folds the separator characters models commonly swap.
func normalizeToolName(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}
