package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

// The chat page is a thin websocket client for /v1/chat/ws.
//
//go:embed static/*
var chatAssets embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(chatAssets, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
