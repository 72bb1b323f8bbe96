package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/config"
)

const portraitGraph = `{
	"3": {"class_type": "KSampler", "inputs": {"positive": ["6", 0], "negative": ["7", 0], "seed": 42}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat"}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "ugly"}},
	"10": {"class_type": "LoadImage", "inputs": {"image": "example.png"}, "_meta": {"title": "Reference"}}
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func writeWorkflow(t *testing.T, dir, name, graphJSON, description string) {
	t.Helper()
	folder := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, name+".json"), []byte(graphJSON), 0o644))
	if description != "" {
		require.NoError(t, os.WriteFile(filepath.Join(folder, "about.txt"), []byte(description), 0o644))
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "loom", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "workflows", "history", "ping", "version"} {
		assert.Contains(t, names, want)
	}

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("port"))
	assert.NotNil(t, root.PersistentFlags().Lookup("server"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "loom "+config.Version+"\n", out)
}

func TestInvalidConfig(t *testing.T) {
	_, err := execute(t, "version", "--data-dir", t.TempDir(), "--reconnect-attempts", "0")
	assert.ErrorIs(t, err, config.ErrInvalidAttempts)
}

func TestWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "portrait", portraitGraph, "Studio portrait")
	writeWorkflow(t, dir, "landscape", portraitGraph, "Wide scenery")

	out, err := execute(t, "workflows", "--workflows", dir, "--data-dir", t.TempDir())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "landscape"))
	assert.Contains(t, lines[1], "Studio portrait")

	out, err = execute(t, "workflows", "SCENERY", "--workflows", dir, "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "landscape")
	assert.NotContains(t, out, "portrait")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "ping", "--server", srv.URL, "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "reachable")

	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()
	_, err = execute(t, "ping", "--server", addr, "--data-dir", t.TempDir())
	assert.ErrorIs(t, err, comfy.ErrConnectivity)
}

// jobServer fakes the job server for a single prompt.
type jobServer struct {
	*httptest.Server

	mu      sync.Mutex
	prompt  string
	uploads []string
}

func newJobServer(t *testing.T) *jobServer {
	t.Helper()
	js := &jobServer{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		js.mu.Lock()
		js.prompt = string(body)
		js.mu.Unlock()
		w.Write([]byte(`{"prompt_id":"p1","number":1}`))
	})
	mux.HandleFunc("POST /upload/image", func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		js.mu.Lock()
		js.uploads = append(js.uploads, header.Filename)
		js.mu.Unlock()
		w.Write([]byte(`{"name":"stored-` + header.Filename + `","subfolder":"","type":"input"}`))
	})
	mux.HandleFunc("GET /history/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"p1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`))
	})
	mux.HandleFunc("GET /queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	js.Server = httptest.NewServer(mux)
	t.Cleanup(js.Close)
	return js
}

func TestRunAndHistory(t *testing.T) {
	js := newJobServer(t)
	workflows := t.TempDir()
	dataDir := t.TempDir()
	writeWorkflow(t, workflows, "portrait", portraitGraph, "")

	ref := filepath.Join(t.TempDir(), "face.png")
	require.NoError(t, os.WriteFile(ref, []byte("png"), 0o644))

	out, err := execute(t, "run", "portrait",
		"--server", js.URL,
		"--workflows", workflows,
		"--data-dir", dataDir,
		"--history-poll", "100ms",
		"--prompt", "a dog",
		"--seed", "7",
		"--upload", "10="+ref,
		"--progress=false",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "image\t"+js.URL+"/view?filename=out.png")

	js.mu.Lock()
	assert.Contains(t, js.prompt, `"a dog"`)
	assert.Contains(t, js.prompt, `"stored-face.png"`)
	assert.Contains(t, js.prompt, `"seed":7`)
	assert.Equal(t, []string{"face.png"}, js.uploads)
	js.mu.Unlock()

	out, err = execute(t, "history", "--data-dir", dataDir, "--server", js.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "out.png")

	_, err = execute(t, "history", "--clear", "--data-dir", dataDir)
	require.NoError(t, err)
	out, err = execute(t, "history", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunRejectsBadUpload(t *testing.T) {
	js := newJobServer(t)
	workflows := t.TempDir()
	writeWorkflow(t, workflows, "portrait", portraitGraph, "")

	_, err := execute(t, "run", "portrait",
		"--server", js.URL,
		"--workflows", workflows,
		"--data-dir", t.TempDir(),
		"--upload", "missing-equals",
	)
	assert.ErrorContains(t, err, "NODE=PATH")
}

func TestRunUnknownWorkflow(t *testing.T) {
	js := newJobServer(t)
	_, err := execute(t, "run", "nope",
		"--server", js.URL,
		"--workflows", t.TempDir(),
		"--data-dir", t.TempDir(),
	)
	assert.Error(t, err)
}
