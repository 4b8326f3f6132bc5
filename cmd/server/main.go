package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-php/server"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -------------------------------------------------------------------------------
// Static file routing
// -------------------------------------------------------------------------------

type StaticRule struct {
	Prefix string // URL prefix e.g. "/assets/"
	Dir    string // relative to project root, e.g. "public/assets"
}

// tryServeStatic tries to serve from one of the static rules.
// Returns true if it served a file, false if the pool should handle it.
func tryServeStatic(w http.ResponseWriter, r *http.Request, projectRoot string, rules []StaticRule) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	path := r.URL.Path

	for _, rule := range rules {
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}

		relPath := strings.TrimPrefix(path, rule.Prefix)
		relPath = filepath.Clean(relPath)

		baseDir := filepath.Join(projectRoot, rule.Dir)
		fullPath := filepath.Join(baseDir, relPath)

		if !strings.HasPrefix(fullPath, baseDir) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return true
		}

		info, err := os.Stat(fullPath)
		if err != nil || info.IsDir() {
			continue
		}

		http.ServeFile(w, r, fullPath)
		return true
	}

	return false
}

// -------------------------------------------------------------------------------
// getProjectRoot: finds directory of go.mod
// -------------------------------------------------------------------------------

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}

		dir = parent
	}
}

// -------------------------------------------------------------------------------
// Admin auth: HS256 JWT carried as "Authorization: Bearer <token>"
// -------------------------------------------------------------------------------

var adminSecret = []byte(os.Getenv("GO_PHP_ADMIN_JWT_SECRET"))

type adminClaims struct {
	jwt.RegisteredClaims
}

func authenticateAdmin(r *http.Request) error {
	if len(adminSecret) == 0 {
		return errors.New("admin JWT secret not configured")
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errors.New("missing bearer token")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return adminSecret, nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid admin token")
	}
	return nil
}

func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authenticateAdmin(r); err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// -------------------------------------------------------------------------------
// Live log tail over a websocket, fed by the pool's aggregate streams
// -------------------------------------------------------------------------------

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin; serveLogTail checks the admin token before upgrading
	},
}

func serveLogTail(pool *server.WorkerPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authenticateAdmin(r); err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		stdout, cancelOut := pool.Stdout.Subscribe()
		stderr, cancelErr := pool.Stderr.Subscribe()
		defer cancelOut()
		defer cancelErr()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case chunk, ok := <-stdout:
				if !ok {
					return
				}
				if err := conn.WriteJSON(map[string]any{"stream": "stdout", "worker": chunk.Tag, "data": string(chunk.Data)}); err != nil {
					return
				}
			case chunk, ok := <-stderr:
				if !ok {
					return
				}
				if err := conn.WriteJSON(map[string]any{"stream": "stderr", "worker": chunk.Tag, "data": string(chunk.Data)}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}

// -------------------------------------------------------------------------------
// MAIN
// -------------------------------------------------------------------------------

func poolSize() int {
	if n := os.Getenv("GO_PHP_WORKERS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			return v
		}
	}
	return 4
}

func main() {
	projectRoot := getProjectRoot()

	staticRules := []StaticRule{
		{Prefix: "/assets/", Dir: "public/assets"},
		{Prefix: "/build/", Dir: "public/build"},
		{Prefix: "/css/", Dir: "public/css"},
		{Prefix: "/js/", Dir: "public/js"},
		{Prefix: "/images/", Dir: "public/images"},
		{Prefix: "/img/", Dir: "public/img"},
	}

	configPath := os.Getenv("GO_PHP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(projectRoot, "worker.config.json")
	}

	opts := server.WorkerOptions{Cwd: projectRoot, Idle: 60 * time.Second}
	pool, err := server.NewPool(configPath, poolSize(), opts)
	if err != nil {
		log.Fatal("failed creating worker pool:", err)
	}
	if err := pool.Spawn(); err != nil {
		log.Fatal("failed spawning workers:", err)
	}

	go func() {
		sub, cancel := pool.Subscribe()
		defer cancel()
		for ev := range sub {
			if ev.Kind == server.PoolWorkerError {
				log.Println("worker error:", ev.Err)
			}
		}
	}()

	if os.Getenv("GO_PHP_HOT_RELOAD") == "1" {
		if watcher, err := pool.WatchConfig(); err != nil {
			log.Println("hot reload disabled:", err)
		} else {
			defer watcher.Close()
			log.Println("hot reload enabled (GO_PHP_HOT_RELOAD=1), watching", configPath)
		}
	}

	log.Println("go-php app server starting on :8080")
	log.Printf("workers: %d", poolSize())
	for _, rule := range staticRules {
		log.Printf("  %s -> %s\n", rule.Prefix, filepath.Join(projectRoot, rule.Dir))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/__ws/logs", serveLogTail(pool))

	mux.HandleFunc("/__admin/stats", requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		st := pool.Stats()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workers":` + strconv.Itoa(st.Workers) +
			`,"ready":` + strconv.Itoa(st.Ready) +
			`,"busy":` + strconv.Itoa(st.Busy) +
			`,"alive":` + strconv.Itoa(st.Alive) + `}`))
	}))

	mux.HandleFunc("/__admin/restart", requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		pool.Restart(func() {
			log.Println("pool restart complete, request", uuid.NewString())
		})
		w.WriteHeader(http.StatusAccepted)
	}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if tryServeStatic(w, r, projectRoot, staticRules) {
			return
		}

		if err := pool.Proxy(r, w); err != nil {
			log.Println("proxy error:", err)
			http.Error(w, "worker error: "+err.Error(), http.StatusBadGateway)
			return
		}
	})

	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal("HTTP server failed:", err)
	}
}
