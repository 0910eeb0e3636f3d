package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestConstants(t *testing.T) {
	t.Parallel()

	all := []string{
		RequestStatus, RequestFiles, RequestAddFile, RequestNotify, RequestResetImages,
		RequestFlushImages, RequestCheckImages, RequestSuppress, RequestPauseEvents, RequestReload,
		RequestSaveData, RequestLoadData, RequestStop,
	}
	seen := make(map[string]bool)
	for _, v := range all {
		assert.NotEmpty(t, v)
		assert.False(t, seen[v], "duplicate request type: %s", v)
		seen[v] = true
	}
}

func startServer(t *testing.T, handler func(*Request) *Response) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.sock")
	server := NewServer(path, handler)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return path
}

func TestServerStartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	server := NewServer(path, func(*Request) *Response { return &Response{Success: true} })
	require.NoError(t, server.Start())

	_, err := os.Stat(path)
	assert.NoError(t, err, "socket file should be created")
	assert.True(t, IsRunning(path))

	server.Stop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket should be removed after Stop()")
	assert.False(t, IsRunning(path))
}

func TestServerStopRightAfterStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	for i := 0; i < 50; i++ {
		server := NewServer(path, func(*Request) *Response { return &Response{Success: true} })
		require.NoError(t, server.Start())
		server.Stop()
	}
	assert.False(t, IsRunning(path))
}

func TestClientServerCommunication(t *testing.T) {
	var received []Request
	path := startServer(t, func(req *Request) *Response {
		received = append(received, *req)
		switch req.Type {
		case RequestAddFile:
			return &Response{Success: true, FileID: 42}
		case RequestResetImages:
			return &Response{Success: true, ImageIDs: []int64{7, 8}, BatchID: 3}
		case RequestNotify:
			return &Response{Success: false, Error: "bad payload"}
		}
		return &Response{Success: true, Message: "received: " + req.Type, PID: os.Getpid()}
	})

	send := func(fn func(c *Client) error) {
		c, err := Connect(path)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, fn(c))
	}

	send(func(c *Client) error {
		resp, err := c.Status()
		if err == nil {
			assert.Equal(t, "received: status", resp.Message)
			assert.Equal(t, os.Getpid(), resp.PID)
		}
		return err
	})
	send(func(c *Client) error {
		id, err := c.AddFile("new.R")
		assert.Equal(t, int64(42), id)
		return err
	})
	send(func(c *Client) error {
		ids, batch, err := c.ResetImages()
		assert.Equal(t, []int64{7, 8}, ids)
		assert.Equal(t, int64(3), batch)
		return err
	})
	send(func(c *Client) error {
		err := c.Notify("zz")
		assert.ErrorContains(t, err, "bad payload")
		return nil
	})
	send(func(c *Client) error { return c.Suppress(true) })

	require.Len(t, received, 5)
	assert.Equal(t, "new.R", received[1].Name)
	assert.Equal(t, "zz", received[3].Payload)
	assert.True(t, received[4].On)
}

func TestConnectWithoutServer(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}
