package bridge

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
)

// the test binary doubles as a fake inference engine when fakeEngineEnv is set,
// the bridge spawns it with "--host h --port p" appended
const fakeEngineEnv = "FORGEQ_FAKE_ENGINE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeEngineEnv) != "" {
		runFakeEngine()
		return
	}
	os.Exit(m.Run())
}

// runFakeEngine behaviour is controlled by env:
// FAKE_ENGINE_MODE - "ok" (default), "exit" (exits at once), "never-healthy" (health always 503)
// FAKE_ENGINE_SPAWNS - file, one line appended per spawn
// FAKE_ENGINE_SICK - file, health returns 503 while it exists
func runFakeEngine() {
	host, port := "127.0.0.1", ""
	for i, a := range os.Args {
		if i+1 >= len(os.Args) {
			break
		}
		switch a {
		case "--host":
			host = os.Args[i+1]
		case "--port":
			port = os.Args[i+1]
		}
	}

	if f := os.Getenv("FAKE_ENGINE_SPAWNS"); f != "" {
		fh, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintln(fh, port)
			_ = fh.Close()
		}
	}

	mode := os.Getenv("FAKE_ENGINE_MODE")
	if mode == "exit" {
		fmt.Println("fatal: no cuda")
		os.Exit(3)
	}

	sick := func() bool {
		f := os.Getenv("FAKE_ENGINE_SICK")
		if f == "" {
			return false
		}
		_, err := os.Stat(f)
		return err == nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		if mode == "never-healthy" || sick() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "gpu_available": true,
			"gpu_name": "fake", "vram_total_gb": 24.0, "vram_free_gb": 20.0, "generation_count": 0})
	})
	mux.HandleFunc("POST /generate/image", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Job-Id", "fake1")
		w.Header().Set("X-Generation-Time", "1.5")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	})

	fmt.Printf("fake engine listening on %s:%s\n", host, port)
	if err := http.ListenAndServe(net.JoinHostPort(host, port), mux); err != nil { //nolint:gosec
		fmt.Println("listen failed:", err)
		os.Exit(1)
	}
}
