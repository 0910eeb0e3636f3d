// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/wvuRc2/rc2compute/internal/engine"
)

// Request types
const (
	RequestStatus      = "status"
	RequestFiles       = "files"
	RequestAddFile     = "add_file"     // find or insert a workspace file by name
	RequestNotify      = "notify"       // inject a change notification payload
	RequestResetImages = "reset_images" // finish the current image batch
	RequestFlushImages = "flush_images" // promote or drop pending image captures
	RequestCheckImages = "check_images"
	RequestSuppress    = "suppress"     // toggle notification handling
	RequestPauseEvents = "pause_events" // toggle reading filesystem events
	RequestReload      = "reload"       // re-run the full load
	RequestSaveData    = "save_data"
	RequestLoadData    = "load_data"
	RequestStop        = "stop"
)

// Request represents an IPC request
type Request struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`    // add_file
	Payload string `json:"payload,omitempty"` // notify
	On      bool   `json:"on,omitempty"`      // suppress, pause_events
}

// FileInfo describes one tracked file in a files response.
type FileInfo struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Version      int64  `json:"version"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
	Shared       bool   `json:"shared,omitempty"`
}

// Response represents an IPC response
type Response struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	PID       int           `json:"pid,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Stats     *engine.Stats `json:"stats,omitempty"`
	Files     []FileInfo    `json:"files,omitempty"`
	FileID    int64         `json:"file_id,omitempty"`
	ImageIDs  []int64       `json:"image_ids,omitempty"`
	BatchID   int64         `json:"batch_id,omitempty"`
	Loaded    bool          `json:"loaded,omitempty"`
}

func errorResponse(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}

// Server is the IPC server
type Server struct {
	path     string
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a server that will listen on the unix socket at path.
func NewServer(path string, handler func(*Request) *Response) *Server {
	return &Server{path: path, handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove existing socket
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener
	os.Chmod(s.path, 0o600)

	go s.accept(listener)
	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(s.path)
		s.listener = nil
	}
}

func (s *Server) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}
	resp := s.handler(&req)
	json.NewEncoder(conn).Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the session listening on path.
func Connect(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("session closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// call sends req and turns an unsuccessful response into an error.
func (c *Client) call(req *Request) (*Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s failed: %s", req.Type, resp.Error)
	}
	return resp, nil
}

// Status sends a status request
func (c *Client) Status() (*Response, error) {
	return c.call(&Request{Type: RequestStatus})
}

// Files lists the tracked files.
func (c *Client) Files() ([]FileInfo, error) {
	resp, err := c.call(&Request{Type: RequestFiles})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// AddFile returns the id of the named workspace file, inserting it if needed.
func (c *Client) AddFile(name string) (int64, error) {
	resp, err := c.call(&Request{Type: RequestAddFile, Name: name})
	if err != nil {
		return 0, err
	}
	return resp.FileID, nil
}

// Notify injects a change notification payload.
func (c *Client) Notify(payload string) error {
	_, err := c.call(&Request{Type: RequestNotify, Payload: payload})
	return err
}

// ResetImages finishes the current image batch.
func (c *Client) ResetImages() ([]int64, int64, error) {
	resp, err := c.call(&Request{Type: RequestResetImages})
	if err != nil {
		return nil, 0, err
	}
	return resp.ImageIDs, resp.BatchID, nil
}

// FlushImages stores pending captures that hold data and abandons the rest.
func (c *Client) FlushImages() error {
	_, err := c.call(&Request{Type: RequestFlushImages})
	return err
}

// CheckImages stores pending captures that already hold data and keeps
// watching the rest.
func (c *Client) CheckImages() error {
	_, err := c.call(&Request{Type: RequestCheckImages})
	return err
}

// Suppress turns notification handling off (on=true) or back on.
func (c *Client) Suppress(on bool) error {
	_, err := c.call(&Request{Type: RequestSuppress, On: on})
	return err
}

// PauseEvents suspends (on=true) or resumes reading filesystem events.
func (c *Client) PauseEvents(on bool) error {
	_, err := c.call(&Request{Type: RequestPauseEvents, On: on})
	return err
}

// Reload re-runs the full load of workspace files.
func (c *Client) Reload() error {
	_, err := c.call(&Request{Type: RequestReload})
	return err
}

// SaveData stores the working directory's workspace data file.
func (c *Client) SaveData() error {
	_, err := c.call(&Request{Type: RequestSaveData})
	return err
}

// LoadData restores the workspace data file. It reports whether one existed.
func (c *Client) LoadData() (bool, error) {
	resp, err := c.call(&Request{Type: RequestLoadData})
	if err != nil {
		return false, err
	}
	return resp.Loaded, nil
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// IsRunning reports whether a session answers on path.
func IsRunning(path string) bool {
	client, err := Connect(path)
	if err != nil {
		return false
	}
	client.Close()
	return true
}
