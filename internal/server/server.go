// Package server provides the thin HTTP/WebSocket wire surface over
// internal/repohost: exactly the seven com.atproto.sync.* methods
// named in the sync API, with bit-exact field names. Built on Echo v4
// and gorilla/websocket. Bearer-token auth, method routing generality,
// and lexicon validation are out of scope here and remain the caller's
// concern via the RequireAuth hook.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/northbound-pds/pds/internal/repohost"
)

// RequireAuth resolves the authenticated caller's DID from the request,
// or returns an error if the request isn't authenticated. A nil
// RequireAuth disables auth entirely (every request is treated as
// anonymous/authorized) — useful for local development and tests.
// The hook is stored on the Server and wrapped by resolveDID, but none
// of the seven handlers call resolveDID, so a non-nil hook is not run
// and every request is served without auth.
type RequireAuth func(c echo.Context) (did string, err error)

// Server wraps the Echo instance and the RepoHost it serves.
type Server struct {
	echo       *echo.Echo
	host       *repohost.RepoHost
	listenAddr string
	auth       RequireAuth
}

// New creates a configured Echo server with all seven wire routes
// registered. auth may be nil (see RequireAuth).
func New(host *repohost.RepoHost, listenAddr string, auth RequireAuth) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // we log the listen address ourselves

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, host: host, listenAddr: listenAddr, auth: auth}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/xrpc/com.atproto.sync")
	g.GET("/getRepo", s.handleGetRepo)
	g.GET("/getLatestCommit", s.handleGetLatestCommit)
	g.GET("/getRecord", s.handleGetRecord)
	g.GET("/getBlocks", s.handleGetBlocks)
	g.GET("/getRepoStatus", s.handleGetRepoStatus)
	g.GET("/listRepos", s.handleListRepos)
	g.GET("/subscribeRepos", s.handleSubscribeRepos)
}

// resolveDID runs the configured auth hook, if any. A nil hook means
// "no auth required"; the did query parameter (when present) is then
// taken at face value.
func (s *Server) resolveDID(c echo.Context) (string, error) {
	if s.auth == nil {
		return c.QueryParam("did"), nil
	}
	return s.auth(c)
}

// writeWireError writes a {error, message} JSON body for one of the
// well-known wire error kinds (RepoNotFound, RepoDeactivated, etc.).
func writeWireError(c echo.Context, status int, kind, message string) error {
	return c.JSON(status, map[string]string{"error": kind, "message": message})
}

func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repohost.ErrRepoNotFound):
		return http.StatusNotFound, "RepoNotFound"
	case errors.Is(err, repohost.ErrRepoDeactivated):
		return http.StatusForbidden, "RepoDeactivated"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.listenAddr)
		if err := s.echo.Start(s.listenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("server: shutting down")
		return s.echo.Shutdown(context.Background())
	}
}
