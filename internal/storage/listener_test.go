package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/require"
)

func payloads(ns []Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Payload)
	}
	return out
}

func TestPollListenerDeliversOwnAndForeignChanges(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	local := openTestGateway(t, path)
	remote := openTestGateway(t, path)

	ln, err := local.Listen(ctx)
	require.NoError(t, err)
	defer ln.Close()

	var seen []string
	collect := func() []string {
		ns, err := ln.Drain(ctx)
		if err == nil {
			seen = append(seen, payloads(ns)...)
		}
		return seen
	}

	row, err := remote.InsertFile(ctx, NewFile{WorkspaceID: 1, ProjectID: 2, Name: "a.R", Content: []byte("a")})
	require.NoError(t, err)
	g.Eventually(collect, 2*time.Second, 10*time.Millisecond).Should(ContainElement(fmt.Sprintf("i%d/1/2", row.ID)))

	_, err = local.UpdateFileContent(ctx, row.ID, []byte("b"), 0)
	require.NoError(t, err)
	g.Eventually(collect, 2*time.Second, 10*time.Millisecond).Should(ContainElement(fmt.Sprintf("u%d/1/2", row.ID)))

	require.NoError(t, remote.DeleteFile(ctx, row.ID))
	g.Eventually(collect, 2*time.Second, 10*time.Millisecond).Should(ContainElement(fmt.Sprintf("d%d", row.ID)))
}

func TestPollListenerSkipsHistory(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	gw := newTestGateway(t)

	old, err := gw.InsertFile(ctx, NewFile{WorkspaceID: 1, Name: "old.R"})
	require.NoError(t, err)

	ln, err := gw.Listen(ctx)
	require.NoError(t, err)
	defer ln.Close()

	fresh, err := gw.InsertFile(ctx, NewFile{WorkspaceID: 1, Name: "new.R"})
	require.NoError(t, err)

	var seen []string
	g.Eventually(func() []string {
		ns, _ := ln.Drain(ctx)
		seen = append(seen, payloads(ns)...)
		return seen
	}, 2*time.Second, 10*time.Millisecond).Should(ContainElement(fmt.Sprintf("i%d/1/0", fresh.ID)))
	g.Expect(seen).NotTo(ContainElement(fmt.Sprintf("i%d/1/0", old.ID)))
}

func TestPollListenerSignalsReady(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t)

	ln, err := gw.Listen(ctx)
	require.NoError(t, err)

	select {
	case <-ln.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("poll listener never signalled")
	}

	ns, err := ln.Drain(ctx)
	require.NoError(t, err)
	require.Empty(t, ns)
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())
}
