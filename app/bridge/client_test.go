package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/forgeq/app/enums"
)

var pngData = []byte("\x89PNG\r\n\x1a\n0000000000000000")

// runningBridge makes a bridge in running state pointed at a test server
func runningBridge(t *testing.T, h http.Handler, callTimeout time.Duration) (*Bridge, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b := New(Params{Host: "127.0.0.1", PortFrom: port, CallTimeout: callTimeout, HealthTimeout: time.Second})
	done := make(chan struct{})
	close(done)
	b.state = enums.BridgeStateRunning
	b.proc = &engineProc{port: port, done: done}
	return b, &hits
}

func TestClient_GenerateImage(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate/image", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "a red cube", r.PostForm.Get("prompt"))
		assert.Equal(t, "768", r.PostForm.Get("width"))
		assert.Empty(t, r.PostForm.Get("height"), "zero means engine default")
		assert.Equal(t, "job-1", r.PostForm.Get("job_id"))
		w.Header().Set("X-Job-Id", "job-1")
		w.Header().Set("X-Generation-Time", "4.25")
		w.Header().Set("X-File-Size", "16")
		_, _ = w.Write(pngData)
	}), time.Second)

	res, err := b.GenerateImage(context.Background(), ImageRequest{Prompt: "  a red cube ", Width: 768, JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.EngineJobID)
	assert.InDelta(t, 4.25, res.GenerationTime, 0.001)
	assert.Equal(t, int64(16), res.FileSize)
	assert.Equal(t, pngData, res.Data)
}

func TestClient_ValidationBeforeNetwork(t *testing.T) {
	b, hits := runningBridge(t, http.NotFoundHandler(), time.Second)
	ctx := context.Background()

	tbl := []struct {
		name string
		call func() error
	}{
		{"short prompt", func() error { _, err := b.GenerateImage(ctx, ImageRequest{Prompt: " ab "}); return err }},
		{"long prompt", func() error {
			_, err := b.GenerateImage(ctx, ImageRequest{Prompt: strings.Repeat("x", MaxPromptLen+1)})
			return err
		}},
		{"small width", func() error { _, err := b.GenerateImage(ctx, ImageRequest{Prompt: "cube", Width: 256}); return err }},
		{"big height", func() error { _, err := b.GenerateImage(ctx, ImageRequest{Prompt: "cube", Height: 4096}); return err }},
		{"steps", func() error { _, err := b.GenerateFull(ctx, FullRequest{Prompt: "cube", Steps: 5}); return err }},
		{"empty image", func() error { _, err := b.GenerateMesh(ctx, MeshRequest{}); return err }},
		{"big image", func() error {
			_, err := b.GenerateMesh(ctx, MeshRequest{Image: make([]byte, MaxImageBytes+1)})
			return err
		}},
		{"not an image", func() error { _, err := b.GenerateMesh(ctx, MeshRequest{Image: []byte("hello")}); return err }},
		{"empty glb", func() error { _, err := b.ConvertToFbx(ctx, ConvertRequest{}); return err }},
		{"empty glb materials", func() error { _, err := b.ExtractMaterials(ctx, MaterialsRequest{}); return err }},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.call(), ErrInvalidPayload)
		})
	}
	assert.Equal(t, int32(0), hits.Load(), "nothing sent to the engine")
}

func TestClient_ProtocolError(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/generate/mesh" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"detail":"Generation failed: CUDA out of memory"}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}), time.Second)

	_, err := b.GenerateMesh(context.Background(), MeshRequest{Image: pngData})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusInternalServerError, perr.Status)
	assert.Equal(t, "Generation failed: CUDA out of memory", perr.Message)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	_, err = b.GenerateImage(context.Background(), ImageRequest{Prompt: "cube"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "upstream exploded", perr.Message)
}

func TestClient_GenerateMeshMultipart(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "job-7", r.FormValue("job_id"))
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, pngData, data)
		assert.Equal(t, "chair.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		w.Header().Set("X-Job-Id", "job-7")
		_, _ = w.Write([]byte("glTF-mesh"))
	}), time.Second)

	res, err := b.GenerateMesh(context.Background(), MeshRequest{Image: pngData, FileName: "chair.png", JobID: "job-7"})
	require.NoError(t, err)
	assert.Equal(t, []byte("glTF-mesh"), res.Data)
	assert.Equal(t, int64(9), res.FileSize, "falls back to body size")
}

func TestClient_Timeouts(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		if r.URL.Path == "/generate/full" {
			_ = json.NewEncoder(w).Encode(FullResult{Success: true, JobID: "f1",
				ImagePath: "/download/f1/generated_image.png", MeshPath: "/download/f1/generated_mesh.glb"})
			return
		}
		_, _ = w.Write(pngData)
	}), 100*time.Millisecond)

	_, err := b.GenerateImage(context.Background(), ImageRequest{Prompt: "cube"})
	require.ErrorIs(t, err, ErrGenerationTimeout)

	// composite pipeline has a doubled budget
	res, err := b.GenerateFull(context.Background(), FullRequest{Prompt: "cube"})
	require.NoError(t, err)
	assert.Equal(t, "f1", res.JobID)

	// caller cancellation is not a generation timeout
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.GenerateImage(ctx, ImageRequest{Prompt: "cube"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGenerationTimeout)
}

func TestClient_GenerateFullFailure(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}), time.Second)
	_, err := b.GenerateFull(context.Background(), FullRequest{Prompt: "cube"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestClient_Download(t *testing.T) {
	b, hits := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/f1/generated_mesh.glb", r.URL.Path)
		_, _ = w.Write([]byte("mesh"))
	}), time.Second)

	data, err := b.Download(context.Background(), "f1", "generated_mesh.glb")
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh"), data)

	for _, tt := range [][2]string{{"..", "x"}, {"f1", "../etc/passwd"}, {"a/b", "x"}, {"f1", `..\x`}, {"f1", ""}} {
		_, err := b.Download(context.Background(), tt[0], tt[1])
		require.ErrorIs(t, err, ErrPathTraversal, "%v", tt)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestParseDownloadPath(t *testing.T) {
	job, file, err := ParseDownloadPath("/download/abc/generated_image.png")
	require.NoError(t, err)
	assert.Equal(t, "abc", job)
	assert.Equal(t, "generated_image.png", file)

	_, _, err = ParseDownloadPath("/files/abc/x.png")
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, _, err = ParseDownloadPath("/download/abc/../x.png")
	require.ErrorIs(t, err, ErrPathTraversal)
	_, _, err = ParseDownloadPath("/download/abc")
	require.Error(t, err)
}

func TestClient_ConvertAndMaterials(t *testing.T) {
	b, _ := runningBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/convert/glb-to-fbx":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_, _, err := r.FormFile("mesh")
			require.NoError(t, err)
			_, _ = w.Write([]byte(`{"success":true,"fbx_path":"/out/m.fbx","conversion_time":1.2,"file_size_bytes":99,"backend":"assimp"}`))
		case "/extract-materials":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "ue5-metallic", r.FormValue("preset"))
			_, _ = w.Write([]byte(`{"success":false,"error":"pygltflib missing"}`))
		case "/material-presets":
			_, _ = w.Write([]byte(`{"presets":[{"name":"ue5-standard"},{"name":"ue5-clay","description":"matte"}]}`))
		case "/status":
			_, _ = w.Write([]byte(`{"models":{"sdxl":"loaded"}}`))
		}
	}), time.Second)
	ctx := context.Background()

	conv, err := b.ConvertToFbx(ctx, ConvertRequest{GLB: []byte("glb")})
	require.NoError(t, err)
	assert.Equal(t, "assimp", conv.Backend)
	assert.Equal(t, int64(99), conv.FileSizeBytes)

	_, err = b.ExtractMaterials(ctx, MaterialsRequest{GLB: []byte("glb"), Preset: "ue5-metallic"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "pygltflib missing", perr.Message)

	presets, err := b.MaterialPresets(ctx)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, "ue5-clay", presets[1].Name)

	status, err := b.EngineStatus(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":{"sdxl":"loaded"}}`, string(status))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "bad", errorText([]byte(`{"detail":"bad"}`)))
	assert.Equal(t, `[{"msg":"field required"}]`, errorText([]byte(`{"detail":[{"msg":"field required"}]}`)))
	assert.Equal(t, "plain", errorText([]byte(" plain\n")))
	assert.Equal(t, "empty response", errorText(nil))
	assert.Len(t, errorText([]byte(strings.Repeat("x", 5000))), maxErrorBodyLen+3)
}
