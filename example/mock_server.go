package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Post is one element of the /manyposts array.
type Post struct {
	ID     int    `json:"id"`
	UserID int    `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// StartMockPostsServer serves /manyposts, a JSON array of count posts.
// Each element is flushed on its own after delay, so clients see the body
// arrive in chunks. Call this in a goroutine before submitting tasks.
func StartMockPostsServer(addr string, count int, delay time.Duration) {
	mux := http.NewServeMux()
	mux.HandleFunc("/manyposts", func(w http.ResponseWriter, r *http.Request) {
		n := count
		if v := r.URL.Query().Get("count"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
				n = parsed
			}
		}

		w.Header().Set("Content-Type", "application/json")
		flusher, _ := w.(http.Flusher)

		fmt.Fprint(w, "[")
		for i := range n {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			data, _ := json.Marshal(Post{
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
		fmt.Fprint(w, "]")
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
