// Package peerserver 对等进程间的内部HTTP服务
//
// 离线轮次中，厂商未在本地启用的推送经此接口委托给启用了该厂商
// 的对端进程执行。仅监听内网地址，不做鉴权。
package peerserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/internal/offlinepush"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
)

type apiResponse struct {
	ErrCode int    `json:"errCode"`
	ErrMsg  string `json:"errMsg"`
}

// Server 内部HTTP服务
type Server struct {
	cfg        *config.Peer
	dispatcher *offlinepush.Dispatcher
	srv        *http.Server
}

func NewServer(cfg *config.Peer, dispatcher *offlinepush.Dispatcher) *Server {
	return &Server{cfg: cfg, dispatcher: dispatcher}
}

// Start 启动监听，阻塞直到服务退出
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/internal/pushGroupMsg", s.pushGroupMsg)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.ListenIP, s.cfg.ListenPort),
		Handler: engine,
	}
	log.ZInfo(ctx, "peer server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.WrapMsg(err, "peer server exited", "addr", s.srv.Addr)
	}
	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

// pushGroupMsg 代理执行一条群消息对一批目标的厂商推送
//
// 推送是尽力而为的：单个目标失败不影响其余目标，也不回传失败，
// 委托方不会重试。
func (s *Server) pushGroupMsg(c *gin.Context) {
	var req apistruct.PushGroupMsgReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &apiResponse{ErrCode: 400, ErrMsg: err.Error()})
		return
	}
	ctx := c.Request.Context()
	for uid, tokens := range req.Destinations {
		if err := s.dispatcher.PushGroup(ctx, req.GID, req.MID, tokens); err != nil {
			log.ZWarn(ctx, "delegated group push failed", err, "gid", req.GID, "mid", req.MID, "uid", uid)
		}
	}
	c.JSON(http.StatusOK, &apiResponse{})
}
