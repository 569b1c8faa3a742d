package rest

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// defaultIndex is what the bare root path serves: the operator console.
const defaultIndex = "/globalui.html"

// StaticHandler serves the operator UI files from a configured root.
// Binary content (images, fonts) is served verbatim.
type StaticHandler struct {
	Root  string
	Index string
}

func (h *StaticHandler) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(response, "405 Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	index := h.Index
	if index == "" {
		index = defaultIndex
	}

	// the query string plays no part in file resolution
	urlPath := request.URL.Path
	if urlPath == "/" {
		urlPath = index
	}

	if containsDotDot(urlPath) {
		http.Error(response, "403 Forbidden", http.StatusForbidden)
		return
	}

	cleaned := path.Clean("/" + urlPath)
	filePath := filepath.Join(h.Root, filepath.FromSlash(cleaned))

	root := filepath.Clean(h.Root)
	if filePath != root && !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		http.Error(response, "403 Forbidden", http.StatusForbidden)
		return
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		http.Error(response, "404 Not Found", http.StatusNotFound)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(cleaned))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	response.Header().Set("Content-Type", contentType)
	response.Header().Set("Access-Control-Allow-Origin", "*")
	response.Write(content)
}

// containsDotDot reports whether any slash-separated segment is "..".
func containsDotDot(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}
