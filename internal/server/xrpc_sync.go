package server

import (
	"log"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"
)

// wsUpgrader allows any origin — the firehose is a public endpoint.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleGetRepo streams the full repository as a CAR v1 archive.
// GET /xrpc/com.atproto.sync.getRepo?did=...&since=...
func (s *Server) handleGetRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "did is required")
	}

	ctx := c.Request().Context()
	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.host.ExportRepo(ctx, c.Response().Writer, did, c.QueryParam("since")); err != nil {
		// headers already sent — log and stop writing, can't send a JSON error
		logExportFailure("getRepo", did, err)
		return nil
	}
	return nil
}

// handleGetLatestCommit returns the current commit CID and rev.
// GET /xrpc/com.atproto.sync.getLatestCommit?did=...
func (s *Server) handleGetLatestCommit(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "did is required")
	}

	status, err := s.host.GetRepoStatus(c.Request().Context(), did)
	if err != nil {
		code, kind := errStatus(err)
		return writeWireError(c, code, kind, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{
		"cid": status.Head.String(),
		"rev": status.Rev,
	})
}

// handleGetRecord returns a record as a CAR archive rooted at the
// current head commit, with a covering proof.
// GET /xrpc/com.atproto.sync.getRecord?did=...&collection=...&rkey=...
func (s *Server) handleGetRecord(c echo.Context) error {
	did := c.QueryParam("did")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if did == "" || collection == "" || rkey == "" {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "did, collection, and rkey are required")
	}

	ctx := c.Request().Context()
	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.host.ExportRecord(ctx, c.Response().Writer, did, collection, rkey); err != nil {
		logExportFailure("getRecord", did, err)
		return nil
	}
	return nil
}

// handleGetBlocks returns the requested set of blocks as a CAR archive.
// GET /xrpc/com.atproto.sync.getBlocks?did=...&cids=...&cids=...
func (s *Server) handleGetBlocks(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "did is required")
	}

	raw := c.QueryParams()["cids"]
	if len(raw) == 0 {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "at least one cids parameter is required")
	}

	cids := make([]cid.Cid, len(raw))
	for i, raw := range raw {
		parsed, err := cid.Decode(raw)
		if err != nil {
			return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "invalid cid: "+raw)
		}
		cids[i] = parsed
	}

	ctx := c.Request().Context()
	c.Response().Header().Set("Content-Type", "application/vnd.ipld.car")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.host.ExportBlocks(ctx, c.Response().Writer, did, cids); err != nil {
		logExportFailure("getBlocks", did, err)
		return nil
	}
	return nil
}

// handleGetRepoStatus returns did's active/deactivated status.
// GET /xrpc/com.atproto.sync.getRepoStatus?did=...
func (s *Server) handleGetRepoStatus(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "did is required")
	}

	status, err := s.host.GetRepoStatus(c.Request().Context(), did)
	if err != nil {
		code, kind := errStatus(err)
		return writeWireError(c, code, kind, err.Error())
	}

	resp := map[string]any{"did": status.DID, "active": status.Active}
	if !status.Active {
		resp["status"] = "deactivated"
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListRepos lists hosted repos in stable DID order, paginated by
// an opaque cursor (the last DID returned) and an optional limit.
// GET /xrpc/com.atproto.sync.listRepos?cursor=...&limit=...
func (s *Server) handleListRepos(c echo.Context) error {
	all, err := s.host.ListRepos(c.Request().Context())
	if err != nil {
		code, kind := errStatus(err)
		return writeWireError(c, code, kind, err.Error())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DID < all[j].DID })

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "limit must be a positive integer")
		}
		limit = n
	}

	start := 0
	if cursor := c.QueryParam("cursor"); cursor != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].DID > cursor })
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	repos := make([]map[string]any, len(page))
	for i, rec := range page {
		entry := map[string]any{
			"did":    rec.DID,
			"head":   rec.Head.String(),
			"rev":    rec.Rev,
			"active": rec.Active,
		}
		if !rec.Active {
			entry["status"] = "deactivated"
		}
		repos[i] = entry
	}

	resp := map[string]any{"repos": repos}
	if end < len(all) {
		resp["cursor"] = all[end-1].DID
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSubscribeRepos is the firehose WebSocket endpoint: it upgrades
// to WebSocket and streams pre-serialized frames from RepoHost.Subscribe.
// GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor *int64
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			return writeWireError(c, http.StatusBadRequest, "InvalidRequest", "cursor must be an integer")
		}
		cursor = &n
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return nil
	}
	defer ws.Close()

	ctx := c.Request().Context()
	ch, err := s.host.Subscribe(ctx, cursor)
	if err != nil {
		log.Printf("server: subscribe: %v", err)
		return nil
	}

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				return nil
			}
		case <-disconnected:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func logExportFailure(method, did string, err error) {
	log.Printf("server: %s export for %s failed after headers were sent: %v", method, did, err)
}
