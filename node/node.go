// Package node exposes the replica's HTTP surface: client submission, peer
// replication, chain inspection and operator endpoints.
package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/trace-network/gtrace/accountsigner"
	"github.com/trace-network/gtrace/core"
	"github.com/trace-network/gtrace/params"
	"github.com/trace-network/gtrace/trace"
)

// seenTransactions bounds the fast-path duplicate cache for peer broadcasts.
const seenTransactions = 4096

// Node is the HTTP front of one replica.
type Node struct {
	cfg     *params.Config
	backend *trace.Backend
	bc      *core.Blockchain
	signer  *accountsigner.Registry // nil when crypto is disabled
	log     *logrus.Entry

	seen *lru.Cache // composite keys acknowledged to peers
	srv  *http.Server
}

// New wires the HTTP surface. Start must be called to begin serving.
func New(cfg *params.Config, backend *trace.Backend, signer *accountsigner.Registry) *Node {
	seen, _ := lru.New(seenTransactions)
	n := &Node{
		cfg:     cfg,
		backend: backend,
		bc:      backend.Blockchain(),
		signer:  signer,
		log:     logrus.WithField("component", "http"),
		seen:    seen,
	}
	n.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: cors.Default().Handler(n.logRequests(n.router())),
	}
	return n
}

func (n *Node) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/status", n.status)
	router.POST("/add-transaction", n.addTransaction)
	router.POST("/receive-transaction", n.receiveTransaction)
	router.POST("/mine", n.mine)
	router.POST("/receive-block", n.receiveBlock)
	router.GET("/chain", n.chain)
	router.GET("/mempool", n.mempool)
	router.GET("/history/:batch_id", n.history)
	router.GET("/verify/:batch_id", n.verify)
	router.POST("/nodes/register", n.registerNode)
	router.GET("/nodes", n.nodes)
	router.POST("/sync", n.sync)
	router.POST("/actors/register", n.registerActor)
	router.GET("/actors", n.actors)
	return router
}

// Start begins serving. The returned channel delivers the terminal server
// error, if any.
func (n *Node) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		n.log.WithField("addr", n.srv.Addr).Info("http server listening")
		if err := n.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop drains in-flight requests and shuts the listener down.
func (n *Node) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.srv.Shutdown(ctx)
}

// Handler exposes the full middleware stack for tests.
func (n *Node) Handler() http.Handler {
	return n.srv.Handler
}

// statusWriter captures the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// logRequests tags every request with a correlation id and logs its outcome.
func (n *Node) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		n.log.WithFields(logrus.Fields{
			"id":       uuid.New().String(),
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start),
		}).Debug("request served")
	})
}
