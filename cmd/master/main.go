package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/tera-db/tera/common/coordination"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/metrics"
	"github.com/tera-db/tera/rpcutil"
)

// Config is the master process's on-disk configuration, loaded the way
// the teacher loads server.json via blobstore/common/config.
type Config struct {
	master.Config

	GrpcBindPort uint32    `json:"grpc_bind_port"`
	EtcdEndpoints []string `json:"etcd_endpoints"`
	ZkAddrs       []string `json:"zk_addrs"`
	SessionTTL    time.Duration `json:"session_ttl"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "master.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.SetOutputLevel(cfg.LogLevel)

	if cfg.ListenAddr == "" {
		log.Fatalf("listen_addr must be set")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 10 * time.Second
	}

	ctx := context.Background()
	coord := dialCoordination(ctx, cfg)
	defer coord.Close()

	dialer := rpcutil.NewDialer()
	locator := rpcutil.NewRootMetaLocator(coord, cfg.ClusterName, dialer)

	var m *master.Master
	lister := rpcutil.NewFileLister(dialer, func() []master.NodeInfo {
		if m == nil {
			return nil
		}
		return m.Nodes.ListOnline()
	})
	m = master.NewMaster(cfg.Config, coord, locator, dialer, dialer,
		lister, rpcutil.NoopInheritanceQuerier{})

	registry := rpcutil.NewRegistry()
	rpcServer := master.NewRPCServer(m)
	rpcutil.BindMaster(registry, rpcServer)
	rpcutil.BindMasterControl(registry, rpcServer)

	grpcSrv, lis, err := rpcutil.Listen(":"+strconv.Itoa(int(cfg.GrpcBindPort)), registry)
	if err != nil {
		log.Fatalf("listen failed: %s", err)
	}
	go func() {
		if serveErr := grpcSrv.Serve(lis); serveErr != nil {
			log.Errorf("grpc serve stopped: %s", serveErr)
		}
	}()

	go func() {
		if err := metrics.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)+1)); err != nil {
			log.Errorf("metrics server stopped: %s", err)
		}
	}()

	go func() {
		if err := m.Run(ctx); err != nil {
			log.Errorf("master run stopped: %s", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	grpcSrv.Stop()
}

func dialCoordination(ctx context.Context, cfg *Config) coordination.Adapter {
	if len(cfg.EtcdEndpoints) > 0 {
		c, err := coordination.DialEtcd(ctx, cfg.EtcdEndpoints, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("dial etcd failed: %s", err)
		}
		return c
	}
	c, err := coordination.DialZK(ctx, cfg.ZkAddrs, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("dial zk failed: %s", err)
	}
	return c
}
