package comfy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/graph"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(srv.URL, 2*time.Second, time.Second)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointSystemStats, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPingErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.ErrorIs(t, c.Ping(context.Background()), ErrConnectivity)
}

func TestPingNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClientWithConfig(addr, time.Second, time.Second)
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Contains(t, err.Error(), addr)
}

func TestPingTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.pingTimeout = 50 * time.Millisecond

	assert.ErrorIs(t, c.Ping(context.Background()), ErrConnectionTimeout)
}

func TestSubmit(t *testing.T) {
	var got struct {
		Prompt   map[string]map[string]any `json:"prompt"`
		ClientID string                    `json:"client_id"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, EndpointPrompt, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"prompt_id":"p-1","number":3,"node_errors":{}}`))
	})

	g, err := graph.Parse([]byte(`{"1":{"class_type":".CLIPTextEncode","inputs":{"text":"cat"}}}`))
	require.NoError(t, err)

	id, err := c.Submit(context.Background(), g, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "CLIPTextEncode", got.Prompt["1"]["class_type"])
}

func TestSubmitRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"prompt_outputs_failed_validation","message":"Prompt outputs failed validation","details":"missing model"}}`))
	})

	_, err := c.Submit(context.Background(), graph.Graph{}, "x")
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.NotErrorIs(t, err, ErrConnectivity)
	assert.Contains(t, err.Error(), "Prompt outputs failed validation")
	assert.Contains(t, err.Error(), "missing model")
}

func TestSubmitWithoutPromptID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err := c.Submit(context.Background(), graph.Graph{}, "x")
	assert.ErrorIs(t, err, ErrNoPromptID)
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/p-1", r.URL.Path)
		w.Write([]byte(`{"p-1":{"outputs":{"9":{"images":[{"filename":"a.png","subfolder":"","type":"output"}],"text":["hello"]}},"status":{"status_str":"success","completed":true}}}`))
	})

	h, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	item, ok := h["p-1"]
	require.True(t, ok)
	assert.True(t, item.Done())
	_, failed := item.Failure()
	assert.False(t, failed)

	files, ok := item.Outputs["9"].Files("images")
	require.True(t, ok)
	assert.Equal(t, []FileRef{{Filename: "a.png", Type: "output"}}, files)

	files, ok = item.Outputs["9"].Files("text")
	assert.True(t, ok)
	assert.Empty(t, files)
}

func TestHistoryPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	h, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestHistoryFailure(t *testing.T) {
	var item HistoryItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"outputs": {},
		"status": {"status_str": "error", "completed": false, "messages": [
			["execution_start", {"prompt_id": "p"}],
			["execution_error", {"prompt_id": "p", "node_type": "KSampler", "exception_message": "CUDA out of memory"}]
		]}
	}`), &item))

	msg, failed := item.Failure()
	assert.True(t, failed)
	assert.Equal(t, "KSampler: CUDA out of memory", msg)
}

func TestQueue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointQueue, r.URL.Path)
		w.Write([]byte(`{"queue_running":[[4,"run",{}]],"queue_pending":[[5,"a",{}],[6,"b",{}],["bad"]]}`))
	})

	q, err := c.Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Position("run"))
	assert.Equal(t, 1, q.Position("a"))
	assert.Equal(t, 2, q.Position("b"))
	assert.Equal(t, PositionUnknown, q.Position("zzz"))
	assert.Equal(t, "4:run", q.Running[0].String())
}

func TestUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointUpload, r.URL.Path)
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "clip.mp4", hdr.Filename)
		assert.Equal(t, "bytes", string(data))
		w.Write([]byte(`{"name":"clip (1).mp4","subfolder":"","type":"input"}`))
	})

	name, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader("bytes"))
	require.NoError(t, err)
	assert.Equal(t, "clip (1).mp4", name)
}

func TestUploadFallsBackToLocalName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	name, err := c.Upload(context.Background(), "a.png", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "a.png", name)
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a.png", r.URL.Query().Get("filename"))
		w.Write([]byte("PNGDATA"))
	})

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), ViewURL(c.Endpoint(), "a.png", ""), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "PNGDATA", buf.String())
}

func TestViewURL(t *testing.T) {
	got := ViewURL("http://localhost:8188", "my clip.mp4", "video")
	assert.Equal(t, "http://localhost:8188/view?filename=my+clip.mp4&subfolder=video&type=output", got)
}

func TestSetEndpoint(t *testing.T) {
	c := NewClient("http://a:8188/")
	assert.Equal(t, "http://a:8188", c.Endpoint())
	c.SetEndpoint("http://b:8188/")
	assert.Equal(t, "http://b:8188", c.Endpoint())
}
