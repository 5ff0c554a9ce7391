package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConnectionJSON is written to <state-dir>/connection.json so MCP clients
// can discover the proxy's public endpoints without guessing URL shapes.
type ConnectionJSON struct {
	Transport string             `json:"transport"`
	BaseURL   string             `json:"base_url"`
	Servers   []ConnectionServer `json:"servers"`
	Payment   ConnectionPayment  `json:"payment"`
}

// ConnectionServer is one registered upstream's public endpoint.
type ConnectionServer struct {
	ServerID string `json:"server_id"`
	URL      string `json:"url"`
}

// ConnectionPayment documents how paid tools are charged.
type ConnectionPayment struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
	Header   string `json:"header"`
}

// WriteConnectionJSON writes connection.json. baseURL is the public proxy
// base; serverIDs are the currently registered catalog entries.
func WriteConnectionJSON(stateDir, baseURL string, serverIDs []string) error {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	conn := ConnectionJSON{
		Transport: "mcp_streamable_http",
		BaseURL:   baseURL,
		Servers:   make([]ConnectionServer, 0, len(serverIDs)),
		Payment: ConnectionPayment{
			Protocol: "x402",
			Version:  1,
			Header:   "X-PAYMENT",
		},
	}
	for _, id := range serverIDs {
		conn.Servers = append(conn.Servers, ConnectionServer{
			ServerID: id,
			URL:      fmt.Sprintf("%s/mcp/%s", baseURL, id),
		})
	}

	data, err := json.MarshalIndent(conn, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "connection.json"), data, 0600)
}
