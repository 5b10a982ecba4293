package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/db/redisutil"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/internal/gateway"
	"github.com/secimsdk/secure-im-server/internal/grouproute"
	"github.com/secimsdk/secure-im-server/internal/membership"
	"github.com/secimsdk/secure-im-server/internal/offlinepush"
	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/internal/peerserver"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/mgo"
	"github.com/secimsdk/secure-im-server/pkg/localcache"
)

const (
	program = "secim-dispatch"
	version = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          program,
		Short:        "secure IM message dispatch server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file path")
	return cmd
}

func run(configPath string) error {
	var cfg config.Config
	if err := config.LoadConfig(configPath, "SECIM", &cfg); err != nil {
		return err
	}
	if err := log.InitLoggerFromConfig("secim.log", program, "", "",
		cfg.Log.RemainLogLevel, cfg.Log.IsStdout, cfg.Log.IsJson,
		cfg.Log.StorageLocation, cfg.Log.RemainRotationCount, cfg.Log.RotationTime,
		version, cfg.Log.IsSimplify); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.ZInfo(ctx, "server starting", "version", version)

	// 存储层
	mgocli, err := mongoutil.NewMongoDB(ctx, cfg.Mongo.Build())
	if err != nil {
		return err
	}
	rdb, err := redisutil.NewRedisClient(ctx, cfg.Redis.Build())
	if err != nil {
		return err
	}
	accountDB, err := mgo.NewAccountMgo(mgocli.GetDB())
	if err != nil {
		return err
	}
	groupDB, err := mgo.NewGroupUserMgo(mgocli.GetDB())
	if err != nil {
		return err
	}
	groupKeysDB, err := mgo.NewGroupKeysMgo(mgocli.GetDB())
	if err != nil {
		return err
	}
	msgDB, err := mgo.NewStoredMessageMgo(mgocli.GetDB())
	if err != nil {
		return err
	}
	contactDB, err := mgo.NewFriendEventMgo(mgocli.GetDB())
	if err != nil {
		return err
	}
	accounts := controller.NewAccountStore(accountDB)
	msgStore := controller.NewMessageStore(msgDB, contactDB)
	groupKeys, err := localcache.NewGroupKeysCache(groupKeysDB, cfg.Cache.GroupKeysLimit)
	if err != nil {
		return err
	}
	badge := redisCache.NewBadgeCache(rdb)

	// 在线总线与群消息分区
	onlineBus, err := onlineredis.NewPartitioner(cfg.OnlineRedis)
	if err != nil {
		return errs.WrapMsg(err, "online bus init failed")
	}
	groupBus, err := onlineredis.NewPartitioner(cfg.GroupRedis)
	if err != nil {
		return errs.WrapMsg(err, "group bus init failed")
	}
	onlineBus.Start(ctx)
	groupBus.Start(ctx)
	defer onlineBus.Close()
	defer groupBus.Close()

	// 离线推送
	pushDispatcher, err := offlinepush.NewDispatcher(&cfg.OfflinePush, badge)
	if err != nil {
		return err
	}

	// 分发管理器与群路由
	mgr := dispatch.NewManager(&cfg, onlineBus, badge, msgStore, accounts, pushDispatcher)
	index := membership.NewIndex(cfg.Dispatcher.ExecutorNum, groupDB, nil)
	route := grouproute.NewHandler(&cfg, mgr, index, onlineBus, groupBus, groupKeys)
	index.SetSubscription(route)
	mgr.AddUserStatusListener(index)
	mgr.Start(ctx)
	index.Start(ctx)
	events := membership.NewEventListener(index, mgr)
	if err := events.Start(ctx, onlineBus); err != nil {
		return errs.WrapMsg(err, "membership event listener start failed")
	}

	// 对等注册表、租约与离线轮次
	selfAddr := cfg.Peer.AdvertiseAddr
	if selfAddr == "" {
		selfAddr = fmt.Sprintf("%s:%d", cfg.Peer.ListenIP, cfg.Peer.ListenPort)
	}
	registry := offlinepush.NewRegistry(onlineBus, selfAddr, pushDispatcher.Vendors())
	if err := registry.Start(ctx); err != nil {
		return errs.WrapMsg(err, "peer registry start failed")
	}
	leaseTTL := time.Duration(cfg.Lease.TTLSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	leaseKey := cfg.Lease.Key
	if leaseKey == "" {
		leaseKey = "offline_push_round_lease"
	}
	leaseRunner := offlinepush.NewLeaseRunner(redisCache.NewRoundLease(rdb, leaseKey, leaseTTL))
	go leaseRunner.Run(ctx)
	round := offlinepush.NewRound(&cfg.OfflinePush, leaseRunner, groupBus, groupDB, accounts, pushDispatcher, registry)
	if err := round.Start(ctx); err != nil {
		return err
	}
	defer round.Stop()

	// 对外服务
	if cfg.Prometheus.Enable {
		go func() {
			if err := prommetrics.Start(cfg.Prometheus.Port); err != nil {
				log.ZError(ctx, "metrics server exited", err, "port", cfg.Prometheus.Port)
			}
		}()
	}
	peerSrv := peerserver.NewServer(&cfg.Peer, pushDispatcher)
	go func() {
		if err := peerSrv.Start(ctx); err != nil {
			log.ZError(ctx, "peer server exited", err)
		}
	}()
	defer peerSrv.Stop()

	gw := gateway.NewServer(&cfg.Gateway, mgr, accounts)
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()
	defer gw.Stop()
	log.ZInfo(ctx, "server started", "gatewayPort", strconv.Itoa(cfg.Gateway.ListenPort))

	select {
	case <-ctx.Done():
		log.ZInfo(ctx, "server stopping on signal")
		return nil
	case err := <-errCh:
		return err
	}
}
