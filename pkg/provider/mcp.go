package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// LoadMCPConfig collects MCP server definitions from ~/.claude.json: the
// global mcpServers plus the ones registered for cwd. Project entries win on
// name clashes. It returns nil when nothing is configured.
func LoadMCPConfig(home, cwd string) ([]byte, error) {
	if home == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(home, ".claude.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read claude config: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse claude config: invalid JSON")
	}

	servers := make(map[string]json.RawMessage)
	collect := func(key, value gjson.Result) bool {
		if value.IsObject() {
			servers[key.String()] = json.RawMessage(value.Raw)
		}
		return true
	}

	gjson.GetBytes(data, "mcpServers").ForEach(collect)
	gjson.GetBytes(data, "projects").ForEach(func(path, project gjson.Result) bool {
		if samePath(path.String(), cwd) {
			project.Get("mcpServers").ForEach(collect)
			return false
		}
		return true
	})

	if len(servers) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}{"mcpServers": servers})
}
