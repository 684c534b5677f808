package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glacierdb/glacierdb/metrics"
	"github.com/glacierdb/glacierdb/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	auditLog   auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string, auditCfg *auditlog.Config) error {
	lh, logCloser, err := auditlog.Open("GLACIERDB", auditCfg)
	if err != nil {
		return err
	}
	h.auditLog = logCloser

	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), lh, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
	return nil
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.POST("/table/create", h.handleCreateTable, rpc.OptArgsBody())
	rpc.POST("/table/write", h.handleWrite, rpc.OptArgsBody())
	rpc.POST("/table/read", h.handleRead, rpc.OptArgsBody())
	rpc.POST("/table/retention", h.handleSetRetention, rpc.OptArgsBody())
	rpc.POST("/table/drop", h.handleDrop, rpc.OptArgsQuery())
	rpc.POST("/table/undrop", h.handleUndrop, rpc.OptArgsQuery())
	rpc.POST("/table/clone", h.handleClone, rpc.OptArgsBody())
	rpc.POST("/db/clone", h.handleCloneDatabase, rpc.OptArgsBody())
	rpc.POST("/gc/run", h.handleSweep)
	rpc.GET("/table/get", h.handleGetTable, rpc.OptArgsQuery())
	rpc.GET("/table/list", h.handleListTables, rpc.OptArgsQuery())
	rpc.GET("/table/history", h.handleHistory, rpc.OptArgsQuery())
	rpc.GET("/stats", h.handleStats)
	rpc.GET("/metrics", h.handleMetrics)

	return rpc.DefaultRouter
}

func (h *HttpServer) handleMetrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

type createTableArgs struct {
	Name       proto.TableID `json:"name"`
	ClusterKey []int         `json:"cluster_key"`
	RetainDays uint32        `json:"retain_days"`
}

func (h *HttpServer) handleCreateTable(c *rpc.Context) {
	args := new(createTableArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	info, err := h.CreateTable(c.Request.Context(), args.Name, args.ClusterKey, args.RetainDays)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(info)
}

type writeArgs struct {
	Name    proto.TableID `json:"name"`
	Inserts []proto.Row   `json:"inserts"`
	Deletes []proto.Row   `json:"deletes"`
}

func (h *HttpServer) handleWrite(c *rpc.Context) {
	args := new(writeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.Write(c.Request.Context(), args.Name, &WriteRequest{
		Inserts: args.Inserts,
		Deletes: args.Deletes,
	})
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(ret)
}

type readArgs struct {
	Name        proto.TableID       `json:"name"`
	Selector    *proto.TimeSelector `json:"selector"`
	Recoverable bool                `json:"recoverable"`
}

type readRet struct {
	Seq      proto.Sequence `json:"seq"`
	CommitID proto.CommitID `json:"commit_id"`
	Rows     []proto.Row    `json:"rows"`
}

func (h *HttpServer) handleRead(c *rpc.Context) {
	args := new(readArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ctx := c.Request.Context()

	var (
		view *View
		err  error
	)
	if args.Recoverable {
		view, err = h.ReadRecoverable(ctx, args.Name, args.Selector)
	} else {
		view, err = h.Read(ctx, args.Name, args.Selector)
	}
	if err != nil {
		c.RespondError(err)
		return
	}
	defer view.Close()

	rows, err := view.Rows(ctx)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(&readRet{
		Seq:      view.Snapshot().Seq,
		CommitID: view.Snapshot().CommitID,
		Rows:     rows,
	})
}

type retentionArgs struct {
	Name       proto.TableID `json:"name"`
	RetainDays uint32        `json:"retain_days"`
}

func (h *HttpServer) handleSetRetention(c *rpc.Context) {
	args := new(retentionArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.SetRetention(c.Request.Context(), args.Name, args.RetainDays); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

type tableNameArgs struct {
	Name proto.TableID `json:"name"`
}

func (h *HttpServer) handleDrop(c *rpc.Context) {
	args := new(tableNameArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.DropTable(c.Request.Context(), args.Name); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) handleUndrop(c *rpc.Context) {
	args := new(tableNameArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.UndropTable(c.Request.Context(), args.Name); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

type cloneArgs struct {
	Source   proto.TableID       `json:"source"`
	Target   proto.TableID       `json:"target"`
	Selector *proto.TimeSelector `json:"selector"`
}

func (h *HttpServer) handleClone(c *rpc.Context) {
	args := new(cloneArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	info, err := h.Clone(c.Request.Context(), args.Source, args.Selector, args.Target)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(info)
}

type cloneDatabaseArgs struct {
	Source   string              `json:"source"`
	Target   string              `json:"target"`
	Selector *proto.TimeSelector `json:"selector"`
}

func (h *HttpServer) handleCloneDatabase(c *rpc.Context) {
	args := new(cloneDatabaseArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	infos, err := h.CloneDatabase(c.Request.Context(), args.Source, args.Target, args.Selector)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(infos)
}

func (h *HttpServer) handleSweep(c *rpc.Context) {
	stats, err := h.SweepNow(c.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(stats)
}

func (h *HttpServer) handleGetTable(c *rpc.Context) {
	args := new(tableNameArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	info, err := h.GetTable(c.Request.Context(), args.Name)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(info)
}

type listTablesArgs struct {
	Prefix proto.TableID `json:"prefix"`
}

func (h *HttpServer) handleListTables(c *rpc.Context) {
	args := new(listTablesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	infos, err := h.ListTables(c.Request.Context(), args.Prefix)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(infos)
}

func (h *HttpServer) handleHistory(c *rpc.Context) {
	args := new(tableNameArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	snaps, err := h.History(c.Request.Context(), args.Name)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(snaps)
}

func (h *HttpServer) handleStats(c *rpc.Context) {
	stats, err := h.Stats(c.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(stats)
}
