// Standalone mock server for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver --count 200 --delay 5ms
//
// Then in another terminal:
//
//	go run ./cmd/restflow run -c example/config.yaml
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

type post struct {
	ID     int    `json:"id"`
	UserID int    `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

func main() {
	addr := pflag.StringP("addr", "a", ":9999", "listen address")
	count := pflag.IntP("count", "n", 100, "posts per response")
	delay := pflag.DurationP("delay", "d", 0, "pause after each post")
	chunked := pflag.Bool("chunked", true, "flush each post separately instead of sending Content-Length")
	pflag.Parse()

	fmt.Printf("Mock posts server starting on %s\n", *addr)
	fmt.Printf("GET /manyposts returns %d posts (override with ?count=N)\n", *count)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	http.HandleFunc("/manyposts", func(w http.ResponseWriter, r *http.Request) {
		n := *count
		if v := r.URL.Query().Get("count"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
				n = parsed
			}
		}

		w.Header().Set("Content-Type", "application/json")

		if !*chunked {
			var buf bytes.Buffer
			writePosts(&buf, n, nil, 0)
			w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
			_, _ = w.Write(buf.Bytes())
			return
		}

		flusher, _ := w.(http.Flusher)
		writePosts(w, n, flusher, *delay)
	})

	if err := http.ListenAndServe(*addr, nil); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// writePosts encodes n posts as a JSON array, flushing after each one when
// a flusher is given.
func writePosts(w io.Writer, n int, flusher http.Flusher, delay time.Duration) {
	_, _ = w.Write([]byte("["))
	for i := range n {
		if i > 0 {
			_, _ = w.Write([]byte(","))
		}
		data, _ := json.Marshal(post{
			ID:     i + 1,
			UserID: i%10 + 1,
			Title:  fmt.Sprintf("post %d", i+1),
			Body:   "lorem ipsum dolor sit amet",
		})
		if _, err := w.Write(data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	_, _ = w.Write([]byte("]"))
}
