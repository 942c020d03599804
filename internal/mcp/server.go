// Package mcp exposes the tracker state to MCP clients.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/model"
	"github.com/martinsuchenak/usbtrackd/internal/monitor"
)

// Archive is the read side of the durable event archive.
type Archive interface {
	Recent(limit int) ([]model.DeviceEvent, error)
}

// Server wraps the MCP server with the tracker state.
type Server struct {
	mcpServer   *mcp.Server
	state       *monitor.State
	archive     Archive
	bearerToken string
}

// NewServer creates a new MCP server. archive may be nil.
func NewServer(version string, state *monitor.State, archive Archive, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("usbtrackd", version),
		state:       state,
		archive:     archive,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("device_list", "List every device ever observed, with connection state, sighting counts and nicknames. Optionally restrict to currently connected devices.",
			mcp.String("filter", "Set to 'connected' to list only currently attached devices"),
		),
		s.handleDeviceList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("device_get", "Get the full history entry for one device, including storage details when known",
			mcp.String("device_id", "Device ID", mcp.Required()),
		),
		s.handleDeviceGet,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("device_set_nickname", "Set or clear the user-supplied nickname of a known device",
			mcp.String("device_id", "Device ID", mcp.Required()),
			mcp.String("nickname", "Nickname to set; empty clears it"),
		),
		s.handleSetNickname,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("device_forget", "Remove a device and its history from the ledger. A later reconnect starts a fresh history.",
			mcp.String("device_id", "Device ID", mcp.Required()),
		),
		s.handleForget,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("events_list", "List recent connect/disconnect events from the durable archive",
			mcp.String("limit", "Maximum number of events to return (default 50)"),
		),
		s.handleEventsList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("events_clear", "Clear the in-memory event log shown to observers. The durable archive is kept."),
		s.handleEventsClear,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("storage_info", "Get drive and volume details for an enriched storage device",
			mcp.String("device_id", "Device ID", mcp.Required()),
		),
		s.handleStorageInfo,
	)
}

// HandleRequest handles MCP HTTP requests with optional bearer token
// authentication.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.bearerToken {
			log.Warn("MCP request rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mcpServer.HandleRequest(w, r)
}

// GetHTTPHandler returns the HTTP handler for the MCP server.
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs MCP server startup information.
func (s *Server) LogStartup() {
	log.Info("MCP server ready", "tools", 7, "auth", s.bearerToken != "")
}

func (s *Server) handleDeviceList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	onlyConnected := req.StringOr("filter", "") == "connected"
	known := s.state.Snapshot().KnownDevices

	ids := make([]string, 0, len(known))
	for id, d := range known {
		if onlyConnected && !d.CurrentlyConnected {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.ToLower(known[ids[i]].Name) < strings.ToLower(known[ids[j]].Name)
	})

	if len(ids) == 0 {
		return mcp.NewToolResponseText("No devices found."), nil
	}

	var out strings.Builder
	for _, id := range ids {
		d := known[id]
		state := "disconnected"
		if d.CurrentlyConnected {
			state = "connected"
		}
		name := d.Name
		if d.Nickname != "" {
			name = fmt.Sprintf("%s (%q)", d.Name, d.Nickname)
		}
		fmt.Fprintf(&out, "%s [%s] %s — seen %d times, last %s\n  %s\n",
			name, d.VIDPID, state, d.TimesSeen, d.LastSeen.Format("2006-01-02 15:04:05"), d.DeviceID)
	}
	return mcp.NewToolResponseText(out.String()), nil
}

func (s *Server) handleDeviceGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("device_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("device_id is required: " + err.Error())
	}

	d, ok := s.state.Snapshot().KnownDevices[id]
	if !ok {
		return nil, mcp.NewToolErrorInternal("device not found: " + id)
	}

	return mcp.NewToolResponseText(formatDevice(d)), nil
}

func (s *Server) handleSetNickname(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("device_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("device_id is required: " + err.Error())
	}
	nickname := req.StringOr("nickname", "")

	if !s.state.SetNickname(id, nickname) {
		return nil, mcp.NewToolErrorInternal("device not found: " + id)
	}
	if strings.TrimSpace(nickname) == "" {
		return mcp.NewToolResponseText("Nickname cleared for " + id), nil
	}
	return mcp.NewToolResponseText(fmt.Sprintf("Nickname for %s set to %q", id, strings.TrimSpace(nickname))), nil
}

func (s *Server) handleForget(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("device_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("device_id is required: " + err.Error())
	}
	s.state.Forget(id)
	return mcp.NewToolResponseText("Device forgotten: " + id), nil
}

func (s *Server) handleEventsList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	if s.archive == nil {
		return mcp.NewToolResponseText("Event archive is not enabled."), nil
	}

	limit := 50
	if v := req.StringOr("limit", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, mcp.NewToolErrorInvalidParams("limit must be a positive integer")
		}
		limit = n
	}

	events, err := s.archive.Recent(limit)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("reading archive failed: " + err.Error())
	}
	if len(events) == 0 {
		return mcp.NewToolResponseText("No events recorded."), nil
	}

	var out strings.Builder
	for _, e := range events {
		tag := ""
		if e.VIDPID != "" {
			tag = " [" + e.VIDPID + "]"
		}
		fmt.Fprintf(&out, "%s %-10s %s%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind, e.Name, tag)
	}
	return mcp.NewToolResponseText(out.String()), nil
}

func (s *Server) handleEventsClear(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	s.state.ClearEvents()
	return mcp.NewToolResponseText("Event log cleared."), nil
}

func (s *Server) handleStorageInfo(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("device_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("device_id is required: " + err.Error())
	}

	snap := s.state.Snapshot()
	info, ok := snap.StorageInfo[id]
	if !ok {
		// Fall back to the last known value kept in the ledger.
		d, known := snap.KnownDevices[id]
		if !known || d.StorageInfo == nil {
			return mcp.NewToolResponseText("No storage details known for " + id), nil
		}
		info = *d.StorageInfo
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Model: %s\nSerial: %s\nCapacity: %s\nInterface: %s\nMedia: %s\nFirmware: %s\nStatus: %s\n",
		info.Model, info.SerialNumber, model.FormatBytes(info.TotalBytes),
		info.InterfaceType, info.MediaType, info.Firmware, info.Status)
	for _, v := range info.Volumes {
		fmt.Fprintf(&out, "Volume %s (%s, %s): %s free of %s\n",
			v.Mount, v.Label, v.FileSystem,
			model.FormatBytes(v.FreeBytes), model.FormatBytes(v.TotalBytes))
	}
	return mcp.NewToolResponseText(out.String()), nil
}

func formatDevice(d model.KnownDevice) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Name: %s\n", d.Name)
	if d.Nickname != "" {
		fmt.Fprintf(&out, "Nickname: %s\n", d.Nickname)
	}
	fmt.Fprintf(&out, "Device ID: %s\nVID:PID: %s\nClass: %s\nManufacturer: %s\nDescription: %s\n",
		d.DeviceID, d.VIDPID, d.Class, d.Manufacturer, d.Description)
	fmt.Fprintf(&out, "First seen: %s\nLast seen: %s\nTimes seen: %d\nConnected: %t\n",
		d.FirstSeen.Format("2006-01-02 15:04:05"), d.LastSeen.Format("2006-01-02 15:04:05"),
		d.TimesSeen, d.CurrentlyConnected)
	if d.StorageInfo != nil {
		fmt.Fprintf(&out, "Storage: %s, %s\n", d.StorageInfo.Model, model.FormatBytes(d.StorageInfo.TotalBytes))
	}
	return out.String()
}
